// Command jobctl submits jobs to the API and follows them to completion.
//
//	jobctl [flags] message <text>
//	jobctl [flags] process <query> <key>...
//	jobctl [flags] status <requestId>
//	jobctl [flags] watch <requestId>
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
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/jobclient"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/poller"
)

type progressObserver struct {
	log zerolog.Logger
}

func (o progressObserver) OnStatus(js *model.JobStatus) {
	o.log.Info().
		Str("status", string(js.Status)).
		Int("progress", js.Progress).
		Str("message", js.Message).
		Msg(js.RequestID)
}

func (o progressObserver) OnError(err error) {
	o.log.Error().Err(err).Msg("polling stopped")
}

func main() {
	baseURL := flag.String("url", envOr("DOCCHAT_API_URL", "http://localhost:8000"), "API base URL")
	token := flag.String("token", os.Getenv("DOCCHAT_TOKEN"), "bearer token")
	session := flag.String("session", "", "session ID attached to submitted jobs")
	bucket := flag.String("bucket", "", "bucket for file keys (defaults to the server's bucket)")
	noWait := flag.Bool("no-wait", false, "print the submit response without polling")
	interval := flag.Duration("interval", 3*time.Second, "poll interval")
	timeout := flag.Duration("timeout", 15*time.Minute, "give up polling after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := jobclient.New(*baseURL, jobclient.WithToken(*token))
	cfg := poller.DefaultConfig()
	cfg.Interval = *interval
	cfg.MaxPollingTime = *timeout

	var (
		requestID string
		err       error
	)
	switch args[0] {
	case "message":
		var resp *model.SubmitResponse
		resp, err = api.SubmitMessage(ctx, &model.MessageRequest{
			Message:   strings.Join(args[1:], " "),
			SessionID: *session,
		})
		if resp != nil {
			requestID = resp.RequestID
		}
	case "process":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		files := make([]model.FileRef, 0, len(args)-2)
		for _, key := range args[2:] {
			files = append(files, model.FileRef{Bucket: *bucket, Key: key})
		}
		var resp *model.SubmitResponse
		resp, err = api.StartProcessing(ctx, &model.StartProcessingRequest{
			Query:     args[1],
			SessionID: *session,
			Files:     files,
		})
		if resp != nil {
			requestID = resp.RequestID
		}
	case "status":
		var js *model.JobStatus
		js, err = api.GetStatus(ctx, args[1])
		if err == nil {
			printJSON(js)
			return
		}
	case "watch":
		requestID = args[1]
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		exitErr(log, err)
	}

	log.Info().Str("request_id", requestID).Msg("job queued")
	if *noWait {
		printJSON(&model.SubmitResponse{RequestID: requestID, Status: model.StatusQueued})
		return
	}

	p := poller.New(api, requestID, cfg, progressObserver{log: log}, log)
	js, err := p.Run(ctx)
	if err != nil {
		// OnError already reported poller failures
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
	printJSON(js)
	if js.Status == model.StatusFailed {
		os.Exit(1)
	}
}

func exitErr(log zerolog.Logger, err error) {
	var apiErr *jobclient.APIError
	if errors.As(err, &apiErr) {
		ev := log.Error().Int("status", apiErr.StatusCode).Str("code", apiErr.Code)
		if apiErr.RequestID != "" {
			ev = ev.Str("request_id", apiErr.RequestID)
		}
		ev.Msg(apiErr.Message)
	} else {
		log.Error().Err(err).Msg("request failed")
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: jobctl [flags] <command> <args>

commands:
  message <text>              submit a DIRECT job and wait for the answer
  process <query> <key>...    start a WORKFLOW job over the given object keys
  status <requestId>          print the current status once
  watch <requestId>           poll an existing job until it finishes

flags:
`)
	flag.PrintDefaults()
}
