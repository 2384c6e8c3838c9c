// Command codpack is a minimal CLI exercising the Series Packer library
// end-to-end against the in-memory store backend: append a batch of
// local DICOM files to a series, sync it, then query its metadata back.
// It is built with stubParser, which fails every parse with "no DICOM
// parser configured", so as shipped every append fails and the command
// exits with status 1; a real HeaderParser has to be substituted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gradienthealth/codpack/appender"
	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/cmn/nlog"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/query"
	"github.com/gradienthealth/codpack/series"
	"github.com/gradienthealth/codpack/store"
)

func main() {
	var (
		datastore = flag.String("datastore", "mem://codpack", "datastore root URI")
		studyUID  = flag.String("study", "", "study UID")
		seriesUID = flag.String("series", "", "series UID")
		tempRoot  = flag.String("tmp", os.TempDir(), "scratch workspace root")
	)
	flag.Parse()
	files := flag.Args()

	if *studyUID == "" || *seriesUID == "" || len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: codpack -study <uid> -series <uid> file.dcm [file.dcm ...]")
		os.Exit(2)
	}

	ctx := context.Background()
	client := store.NewMem()
	parser := &stubParser{}

	obj, err := series.Open(ctx, client, parser, *datastore, *studyUID, *seriesUID, series.Options{
		Lock: true, CreateIfMissing: true, TempRoot: *tempRoot, Config: cmn.Defaults(),
	})
	if err != nil {
		nlog.Errorf("open series: %v", err)
		os.Exit(1)
	}

	unwinding := true
	defer func() { obj.Close(ctx, unwinding) }()

	inputs := make([]*instance.Handle, 0, len(files))
	for _, f := range files {
		inputs = append(inputs, instance.New(f, instance.Hints{}, client, parser))
	}

	limits := appender.Limits{MaxInstanceBytes: cmn.GBytes(2), MaxSeriesBytes: cmn.GBytes(20)}
	res, err := obj.Append(ctx, inputs, limits, bulkHandler)
	if err != nil {
		nlog.Errorf("append: %v", err)
		os.Exit(1)
	}
	nlog.Infof("appended: new=%d same=%d conflict=%d errors=%d", len(res.New), len(res.Same), len(res.Conflict), len(res.Errors))

	if err := obj.Sync(ctx, cmn.Defaults().StorageClass); err != nil {
		nlog.Errorf("sync: %v", err)
		os.Exit(1)
	}
	unwinding = false

	if err := obj.PruneDependencies(ctx); err != nil {
		nlog.Warningf("prune dependencies: %v", err)
	}

	readURI := fmt.Sprintf("%s/studies/%s/series/%s/metadata", *datastore, *studyUID, *seriesUID)
	parsed, err := query.Parse(readURI)
	if err != nil {
		nlog.Errorf("parse read uri: %v", err)
		os.Exit(1)
	}
	router := &query.Router{Client: client, Parser: parser, TempRoot: *tempRoot, Config: cmn.Defaults()}
	out, err := router.Resolve(ctx, parsed)
	if err != nil {
		nlog.Errorf("resolve: %v", err)
		os.Exit(1)
	}
	fmt.Printf("%+v\n", out)
}

func bulkHandler(tag, uri string, head []byte) any {
	return map[string]any{"uri": uri, "head": string(head)}
}

// stubParser is a placeholder HeaderParser for the example binary; a
// real deployment plugs in an actual DICOM parser (spec.md §6
// "File-format adapter contract (external)").
type stubParser struct{}

func (stubParser) Parse(r io.Reader) (instance.ParsedHeader, error) {
	return instance.ParsedHeader{}, fmt.Errorf("codpack: no DICOM parser configured")
}
