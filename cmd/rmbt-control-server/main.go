package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/rmbt-control/internal/controlserver"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
)

var (
	flagCertFile    = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile     = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint    = flag.String("addr", ":8080", "Listen address/port for the control server")
	flagDataDir     = flag.String("datadir", "./data", "Directory to store submitted results in")
	flagFixture     = flag.String("fixture", "", "YAML file with the settings and test servers to advertise")
	flagSyncCodeTTL = flag.Duration("sync-code-ttl", spec.DefaultSyncCodeTTL, "Lifetime of issued sync codes")
	flagDebug       = flag.Bool("debug", false, "Enable debug logging")
	tokenVerifyKey  = flagx.FileBytesArray{}
	tokenVerify     bool
	tokenMachine    string

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens on result submissions")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		// NOTE: set absolute read and write timeouts for server connections.
		// This prevents clients, or middleboxes, from opening a connection and
		// holding it open indefinitely.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetReportCaller(true)
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	fixture := controlserver.DefaultFixture()
	if *flagFixture != "" {
		var err error
		fixture, err = controlserver.LoadFixture(*flagFixture)
		rtx.Must(err, "Failed to load fixture %s", *flagFixture)
	}

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if tokenVerify && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Only result submissions carry access tokens.
	resultPaths := controller.Paths{
		"/" + spec.ResultPath:    true,
		"/" + spec.QoSResultPath: true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine, resultPaths, resultPaths)

	h := controlserver.New(*flagDataDir, fixture, *flagSyncCodeTTL)
	defer h.Close()
	srv := httpServer(*flagEndpoint, acm.Then(h.ServeMux()))

	log.Info("About to listen for control requests", "endpoint", *flagEndpoint,
		"tls", *flagCertFile != "", "datadir", *flagDataDir)
	go func() {
		defer cancel()
		var err error
		if *flagCertFile != "" && *flagKeyFile != "" {
			err = srv.ListenAndServeTLS(*flagCertFile, *flagKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		rtx.Must(err, "Could not start control server")
	}()

	<-ctx.Done()
	srv.Close()
}
