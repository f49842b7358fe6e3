package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/logging"
	"github.com/tendant/camera-trap-pipeline/internal/mongostore"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

type reduceOptions struct {
	csvPath      string
	schemaPath   string
	fieldMapPath string
	upload       pipeline.UploadContext
	offsetHours  int
	strict       bool
	payloads     bool
	prefix       string
	mongoURI     string
	mongoDB      string
	timeout      time.Duration
	logLevel     string
}

// result is what the command prints
type result struct {
	*batch.Outcome
	Payloads []batch.CommitPayload `json:"payloads,omitempty"`
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ctreduce",
		Short:        "Offline camera-trap CSV reduction",
		SilenceUsage: true,
	}
	root.AddCommand(newReduceCmd())
	return root
}

func newReduceCmd() *cobra.Command {
	opts := &reduceOptions{}
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Reduce one CSV into annotation and metadata documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReduce(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.csvPath, "csv", "", "CSV file to reduce")
	f.StringVar(&opts.schemaPath, "schema", "", "project field schema (YAML)")
	f.StringVar(&opts.fieldMapPath, "field-map", "", "column header overrides (YAML)")
	f.StringVar(&opts.upload.ProjectID, "project", "", "project id")
	f.StringVar(&opts.upload.ProjectTitle, "project-title", "", "project title")
	f.StringVar(&opts.upload.Site, "site", "", "site")
	f.StringVar(&opts.upload.SubSite, "sub-site", "", "sub-site (empty for none)")
	f.StringVar(&opts.upload.CameraLocation, "location", "", "camera location")
	f.StringVar(&opts.upload.UploadSessionID, "session", "offline", "upload session id")
	f.StringVar(&opts.upload.UserID, "user", "", "uploading user id")
	f.IntVar(&opts.offsetHours, "tz-offset", records.DefaultOffsetHours, "UTC offset of the camera clocks, in hours")
	f.BoolVar(&opts.strict, "strict", false, "withhold every document when a row contradicts the upload")
	f.BoolVar(&opts.payloads, "payloads", false, "include the commit payloads in the output")
	f.StringVar(&opts.prefix, "image-url-prefix", "", "image url prefix of the documents")
	f.StringVar(&opts.mongoURI, "mongo-uri", "", "MongoDB to run the overlap check against")
	f.StringVar(&opts.mongoDB, "mongo-db", "camera-trap", "MongoDB database")
	f.DurationVar(&opts.timeout, "timeout", 15*time.Second, "overlap check timeout")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	for _, name := range []string{"csv", "project", "site", "location"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runReduce(ctx context.Context, opts *reduceOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	upload := opts.upload.Normalized()
	if err := upload.Validate(); err != nil {
		return err
	}

	var fs *schema.FieldSchema
	if opts.schemaPath != "" {
		if fs, err = schema.LoadFile(opts.schemaPath); err != nil {
			return err
		}
	}
	var fm schema.FieldMap
	if opts.fieldMapPath != "" {
		if fm, err = schema.LoadFieldMap(opts.fieldMapPath); err != nil {
			return err
		}
	}

	f, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer f.Close()
	header, rows, err := records.ReadRows(f)
	if err != nil {
		return err
	}

	reducer := batch.NewReducer(fs, upload, batch.ReducerConfig{
		Normalizer:     records.NewNormalizer(fm, opts.offsetHours),
		ImageURLPrefix: opts.prefix,
	})
	red, err := reducer.Reduce(header, rows)
	var fatal *batch.FatalBatchError
	if errors.As(err, &fatal) {
		if perr := printResult(out, result{Outcome: batch.Abort(upload, fatal)}); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}

	var overlap batch.OverlapChecker
	if opts.mongoURI != "" {
		store, err := mongostore.Connect(ctx, opts.mongoURI, opts.mongoDB, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close(context.Background()) }()
		overlap = store
	}

	outcome, err := batch.NewGate(overlap, batch.GateConfig{
		Strict:         opts.strict,
		OverlapTimeout: opts.timeout,
	}).Evaluate(ctx, red)
	if err != nil {
		return err
	}
	outcome.ObjectKey = opts.csvPath

	logger.Info("batch reduced",
		zap.Int("rows", red.Rows),
		zap.Int("rejected", len(red.Rejected)),
		zap.String("decision", string(outcome.Decision)),
	)

	res := result{Outcome: outcome}
	if opts.payloads {
		res.Payloads = outcome.Payloads()
	}
	return printResult(out, res)
}

func printResult(out io.Writer, res result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}
