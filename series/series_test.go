package series

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/gradienthealth/codpack/appender"
	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/store"
)

const preambleLen = 128

func dicomBytes(payload string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, preambleLen))
	buf.WriteString("DICM")
	buf.WriteString(payload)
	return buf.Bytes()
}

type fakeParser struct{ hdr instance.ParsedHeader }

func (f fakeParser) Parse(r io.Reader) (instance.ParsedHeader, error) {
	io.Copy(io.Discard, r)
	return f.hdr, nil
}

func noopBulk(tag, uri string, head []byte) any { return string(head) }

var _ = Describe("Series Object", func() {
	var (
		ctx     context.Context
		client  store.Client
		parser  instance.HeaderParser
		tempDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = store.NewMem()
		parser = fakeParser{hdr: instance.ParsedHeader{
			InstanceUID: "1.inst", SeriesUID: "1.series", StudyUID: "1.study",
		}}
		var err error
		tempDir, err = os.MkdirTemp("", "codpack-series-test-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Open", func() {
		It("creates a new locked series when none exists and CreateIfMissing is set", func() {
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "1.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			Expect(obj.Locked()).To(BeTrue())
			Expect(obj.Close(ctx, false)).To(Succeed())
		})

		It("refuses to open a missing series without CreateIfMissing", func() {
			_, err := Open(ctx, client, parser, "gs://bucket", "1.study", "9.absent",
				Options{Lock: false, CreateIfMissing: false, TempRoot: tempDir})
			Expect(err).To(HaveOccurred())
			var notFound *cmn.ErrSeriesNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("refuses to acquire the lock while another holder has it (S6)", func() {
			first, err := Open(ctx, client, parser, "gs://bucket", "1.study", "2.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer first.Close(ctx, true)

			_, err = Open(ctx, client, parser, "gs://bucket", "1.study", "2.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).To(HaveOccurred())
			var lockFailed *cmn.ErrLockAcquisitionFailed
			Expect(errors.As(err, &lockFailed)).To(BeTrue())
		})

		It("quarantines a series carrying an error.log marker", func() {
			uri := "gs://bucket/studies/1.study/series/3.series"
			client.Put(ctx, uri+"/"+cmn.ErrorLogName, bytes.NewReader([]byte("boom")), "", -1)

			_, err := Open(ctx, client, parser, "gs://bucket", "1.study", "3.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).To(HaveOccurred())
			var quarantined *cmn.ErrErrorLogExists
			Expect(errors.As(err, &quarantined)).To(BeTrue())
		})
	})

	Describe("clean and dirty operation guards", func() {
		It("rejects Append without the lock", func() {
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "4.series",
				Options{Lock: false, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer obj.Close(ctx, false)

			_, err = obj.Append(ctx, nil, appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).To(HaveOccurred())
			var noLock *cmn.ErrCleanOpWithoutLock
			Expect(errors.As(err, &noLock)).To(BeTrue())
		})

		It("permits Truncate without the lock", func() {
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "5.series",
				Options{Lock: false, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer obj.Close(ctx, false)

			Expect(obj.Truncate(0)).To(Succeed())
		})
	})

	Describe("Append, Sync, and reopen", func() {
		It("persists packed instances and metadata across a sync/reload cycle", func() {
			parser = fakeParser{hdr: instance.ParsedHeader{
				InstanceUID: "1.inst", SeriesUID: "6.series", StudyUID: "1.study",
			}}
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "6.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())

			path := filepath.Join(tempDir, "one.dcm")
			Expect(os.WriteFile(path, dicomBytes("payload"), 0o644)).To(Succeed())
			h := instance.New(path, instance.Hints{}, client, parser)

			res, err := obj.Append(ctx, []*instance.Handle{h},
				appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.New).To(ConsistOf("1.inst"))

			Expect(obj.Sync(ctx, "")).To(Succeed())
			Expect(obj.Close(ctx, false)).To(Succeed())

			reopened, err := Open(ctx, client, parser, "gs://bucket", "1.study", "6.series",
				Options{Lock: false, CreateIfMissing: false, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close(ctx, false)

			_, ok := reopened.Metadata().Get("1.inst")
			Expect(ok).To(BeTrue())
		})
	})

	Describe("PruneDependencies", func() {
		It("deletes a single validated dependency after a successful sync", func() {
			depURI := "gs://bucket/raw/three.dcm"
			payload := dicomBytes("payload-three")
			client.Put(ctx, depURI, bytes.NewReader(payload), "", -1)
			parser = fakeParser{hdr: instance.ParsedHeader{
				InstanceUID: "1.inst", SeriesUID: "8.series", StudyUID: "1.study",
			}}

			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "8.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer obj.Close(ctx, false)

			path := filepath.Join(tempDir, "three.dcm")
			Expect(os.WriteFile(path, payload, 0o644)).To(Succeed())
			h := instance.New(path, instance.Hints{}, client, parser)
			h.Deps = []string{depURI}

			_, err = obj.Append(ctx, []*instance.Handle{h},
				appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).NotTo(HaveOccurred())
			Expect(obj.Sync(ctx, "")).To(Succeed())

			Expect(obj.PruneDependencies(ctx)).To(Succeed())
			_, err = client.Stat(ctx, depURI)
			Expect(err).To(Equal(store.ErrNotExist))
		})
	})

	Describe("hashed UIDs", func() {
		hashFunc := func(uid string) string { return uid + "-deid" }

		It("keys packed instances by the de-identified UID and enforces ownership against it", func() {
			parser = fakeParser{hdr: instance.ParsedHeader{
				InstanceUID: "1.inst", SeriesUID: "9.series", StudyUID: "1.study",
			}}
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study-deid", "9.series-deid",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir,
					HashedUIDs: true, HashFunc: hashFunc})
			Expect(err).NotTo(HaveOccurred())
			Expect(obj.HashedUIDs).To(BeTrue())

			path := filepath.Join(tempDir, "four.dcm")
			Expect(os.WriteFile(path, dicomBytes("payload-four"), 0o644)).To(Succeed())
			h := instance.New(path, instance.Hints{}, client, parser)

			res, err := obj.Append(ctx, []*instance.Handle{h},
				appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.New).To(ConsistOf("1.inst-deid"))

			_, ok := obj.Metadata().Get("1.inst-deid")
			Expect(ok).To(BeTrue())
			_, ok = obj.Metadata().Get("1.inst")
			Expect(ok).To(BeFalse())

			Expect(obj.Sync(ctx, "")).To(Succeed())
			Expect(obj.Close(ctx, false)).To(Succeed())

			reopened, err := Open(ctx, client, parser, "gs://bucket", "1.study-deid", "9.series-deid",
				Options{Lock: false, CreateIfMissing: false, TempRoot: tempDir, HashFunc: hashFunc})
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close(ctx, false)
			Expect(reopened.HashedUIDs).To(BeTrue())
			_, ok = reopened.Metadata().Get("1.inst-deid")
			Expect(ok).To(BeTrue())
		})

		It("refuses to open a de-identified series without a HashFunc", func() {
			parser = fakeParser{hdr: instance.ParsedHeader{
				InstanceUID: "1.inst", SeriesUID: "10.series", StudyUID: "1.study",
			}}
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study-deid", "10.series-deid",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir,
					HashedUIDs: true, HashFunc: hashFunc})
			Expect(err).NotTo(HaveOccurred())
			path := filepath.Join(tempDir, "five.dcm")
			Expect(os.WriteFile(path, dicomBytes("payload-five"), 0o644)).To(Succeed())
			h := instance.New(path, instance.Hints{}, client, parser)
			_, err = obj.Append(ctx, []*instance.Handle{h},
				appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).NotTo(HaveOccurred())
			Expect(obj.Sync(ctx, "")).To(Succeed())
			Expect(obj.Close(ctx, false)).To(Succeed())

			_, err = Open(ctx, client, parser, "gs://bucket", "1.study-deid", "10.series-deid",
				Options{Lock: false, CreateIfMissing: false, TempRoot: tempDir})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Snapshot and Reconstitute", func() {
		It("round-trips an Object's lock and metadata to a fresh handle", func() {
			parser = fakeParser{hdr: instance.ParsedHeader{
				InstanceUID: "1.inst", SeriesUID: "7.series", StudyUID: "1.study",
			}}
			obj, err := Open(ctx, client, parser, "gs://bucket", "1.study", "7.series",
				Options{Lock: true, CreateIfMissing: true, TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())

			path := filepath.Join(tempDir, "two.dcm")
			Expect(os.WriteFile(path, dicomBytes("payload-two"), 0o644)).To(Succeed())
			h := instance.New(path, instance.Hints{}, client, parser)
			_, err = obj.Append(ctx, []*instance.Handle{h},
				appender.Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30}, noopBulk)
			Expect(err).NotTo(HaveOccurred())

			snap, err := obj.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			reborn, err := Reconstitute(ctx, client, parser, snap, Options{TempRoot: tempDir})
			Expect(err).NotTo(HaveOccurred())
			defer reborn.Close(ctx, true)

			Expect(reborn.Locked()).To(BeTrue())
			_, ok := reborn.Metadata().Get("1.inst")
			Expect(ok).To(BeTrue())
		})
	})
})
