// Package persistence writes submitted results to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes a file written by WriteDataFile.
type DataFile struct {
	// Prefix is the data directory the file was written under.
	Prefix string
	// Datatype is the kind of data (e.g. "rmbt").
	Datatype string
	// Subtest distinguishes results of the same datatype (e.g. "result", "qos").
	Subtest string
	// UUID identifies the result.
	UUID string
	// Path is the full path of the file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile writes a JSON representation of data to a new file under
// datadir/datatype/YYYY/MM/DD/. The file name includes the subtest, the
// current time and uuid. Existing files are never overwritten.
func WriteDataFile(datadir, datatype, subtest, uuid string, data interface{}) (*DataFile, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(content)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err = fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
