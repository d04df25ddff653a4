package model

// SyncRequest issues a sync code (empty SyncCode) or redeems one.
type SyncRequest struct {
	UUID     string `json:"uuid"`
	SyncCode string `json:"sync_code,omitempty"`
	Language string `json:"language,omitempty"`
}

// SyncResponse is the response to a sync request.
type SyncResponse struct {
	Sync []SyncItem `json:"sync"`
}

// SyncItem is either an issued code or the outcome of a redemption.
type SyncItem struct {
	SyncCode string `json:"sync_code,omitempty"`

	Success  bool   `json:"success,omitempty"`
	MsgTitle string `json:"msg_title,omitempty"`
	MsgText  string `json:"msg_text,omitempty"`
	// UUID is the identity the redeeming client should adopt.
	UUID string `json:"uuid,omitempty"`
}

// ResultPayload is a complete measurement or QoS result, as produced by
// the measurement engine.
type ResultPayload map[string]any

// SubmitResponse is the acknowledgement of a result submission.
type SubmitResponse struct {
	Error []string `json:"error"`
}
