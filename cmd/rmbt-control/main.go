package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/locate/api/locate"
	"github.com/m-lab/rmbt-control/pkg/control"
	"github.com/m-lab/rmbt-control/pkg/control/model"
	"github.com/m-lab/rmbt-control/pkg/version"
)

const clientName = "rmbt-control"

var (
	flagServer    = flag.String("server", "", "Control server URL. If empty, the default server is used")
	flagLocate    = flag.Bool("locate", false, "Find the control server using the Locate API")
	flagUUID      = flag.String("uuid", "", "Client identity. If empty, the one in -uuid-file is used")
	flagUUIDFile  = flag.String("uuid-file", "", "File the client identity is read from and saved to")
	flagCmd       = flag.String("cmd", "settings", "Operation: settings, news, roaming, test, qos, history, result, qosresult, opendata, synccode, sync, submit")
	flagCode      = flag.String("code", "", "Sync code to redeem (-cmd=sync)")
	flagTestUUID  = flag.String("test-uuid", "", "Test UUID (-cmd=result/qosresult) or open test UUID (-cmd=opendata)")
	flagDetails   = flag.Bool("details", false, "Fetch the full result details (-cmd=result)")
	flagLength    = flag.Int("length", 20, "Number of history entries (-cmd=history)")
	flagOffset    = flag.Int("offset", 0, "Number of history entries to skip (-cmd=history)")
	flagFilters   = flagx.StringArray{}
	flagResult    = flag.String("result", "", "JSON file with the result to submit (-cmd=submit)")
	flagEndpoint  = flag.String("endpoint", "", "Endpoint to submit the result to, instead of the control server")
	flagLanguage  = flag.String("language", "en", "Language for server-generated text")
	flagTimeout   = flag.Duration("timeout", time.Minute, "Timeout for the whole operation")
	flagDebug     = flag.Bool("debug", false, "Enable debug output")
	flagLastNews  = flag.Int64("last-news", 0, "UID of the last news item already seen (-cmd=news)")
	flagLatitude  = flag.Float64("lat", 0, "Latitude for roaming and test requests")
	flagLongitude = flag.Float64("lon", 0, "Longitude for roaming and test requests")
)

func init() {
	flag.Var(&flagFilters, "filter", "History filter as key=value1|value2, e.g. networks=LAN|WLAN. Can be repeated (-cmd=history)")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	uuid := *flagUUID
	if uuid == "" && *flagUUIDFile != "" {
		b, err := os.ReadFile(*flagUUIDFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			rtx.Must(err, "cannot read %s", *flagUUIDFile)
		}
		uuid = strings.TrimSpace(string(b))
	}

	rep := &reporter{HumanReadable: control.HumanReadable{Debug: *flagDebug}}
	config := control.Config{
		BaseURL:  *flagServer,
		UUID:     uuid,
		Language: *flagLanguage,
		Emitter:  rep,
	}
	if *flagServer == "" && *flagLocate {
		config.Locator = locate.NewClient(clientName + "/" + version.Version)
	}
	c := control.New(clientName, version.Version, config)

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	// The first interrupt cancels every outstanding request.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		<-interrupts
		log.Info("interrupted, cancelling requests")
		c.CancelAllRequests()
	}()

	out, err := run(ctx, c)
	if *flagUUIDFile != "" && c.UUID() != "" && c.UUID() != uuid {
		rtx.Must(os.WriteFile(*flagUUIDFile, []byte(c.UUID()+"\n"), 0600),
			"cannot write %s", *flagUUIDFile)
	}
	if code := rep.exitCode(err); code != 0 {
		os.Exit(code)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		rtx.Must(enc.Encode(out), "cannot write output")
	}
}

// reporter prints operation events like HumanReadable and remembers whether
// an error was printed.
type reporter struct {
	control.HumanReadable
	reported atomic.Bool
}

func (r *reporter) OnError(op string, err error) {
	r.reported.Store(true)
	r.HumanReadable.OnError(op, err)
}

// exitCode returns the exit code for err. Errors that were not printed as
// an operation failure are logged.
func (r *reporter) exitCode(err error) int {
	if err == nil {
		return 0
	}
	if !r.reported.Load() {
		log.Error("command failed", "cmd", *flagCmd, "error", err)
	}
	return 1
}

func location() *model.Location {
	if *flagLatitude == 0 && *flagLongitude == 0 {
		return nil
	}
	return &model.Location{Latitude: *flagLatitude, Longitude: *flagLongitude}
}

// filters parses the -filter flags. Multiple values are separated by "|".
func filters() map[string][]string {
	out := map[string][]string{}
	for _, f := range flagFilters {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			log.Warn("ignoring invalid filter", "filter", f)
			continue
		}
		out[k] = strings.Split(v, "|")
	}
	return out
}

func run(ctx context.Context, c *control.Client) (any, error) {
	switch *flagCmd {
	case "settings":
		return c.GetSettings(ctx)
	case "news":
		return c.GetNews(ctx, *flagLastNews)
	case "roaming":
		roaming, err := c.GetRoamingStatus(ctx, model.RoamingRequest{Location: location()})
		return map[string]bool{"roaming": roaming}, err
	case "test":
		return c.GetTestParams(ctx, control.TestParamsRequest{Location: location()})
	case "qos":
		return c.GetQoSParams(ctx)
	case "history":
		return c.GetHistory(ctx, filters(), *flagLength, *flagOffset)
	case "result":
		return c.GetHistoryResult(ctx, *flagTestUUID, *flagDetails)
	case "qosresult":
		return c.GetHistoryQoSResult(ctx, *flagTestUUID)
	case "opendata":
		return c.GetHistoryOpenDataResult(ctx, *flagTestUUID)
	case "synccode":
		code, err := c.GetSyncCode(ctx)
		return map[string]string{"sync_code": code}, err
	case "sync":
		return c.SyncWithCode(ctx, *flagCode)
	case "submit":
		b, err := os.ReadFile(*flagResult)
		if err != nil {
			return nil, err
		}
		var result model.ResultPayload
		if err := json.Unmarshal(b, &result); err != nil {
			return nil, fmt.Errorf("invalid result file %s: %w", *flagResult, err)
		}
		return nil, c.SubmitResult(ctx, result, *flagEndpoint)
	default:
		return nil, fmt.Errorf("unknown command %q", *flagCmd)
	}
}
