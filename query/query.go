// Package query implements the read-side Query Router (spec.md §4.G):
// parses a read URI, validates its UIDs, and routes to the instance,
// series, or study-level metadata view.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/series"
	"github.com/gradienthealth/codpack/store"
)

var uidRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// ErrFramesNotSupported is raised for any request naming a frame list
// (spec.md §4.G "frames: not supported -> raise").
var ErrFramesNotSupported = fmt.Errorf("query: per-frame access is not supported")

// ErrQueryStringRejected is raised when the request URI carries a query
// string (spec.md §4.G "Query strings are rejected").
var ErrQueryStringRejected = fmt.Errorf("query: query strings are rejected")

// Parsed is the decomposed shape of a read URI.
type Parsed struct {
	Datastore  string
	StudyUID   string
	SeriesUID  string // "" if not present
	InstanceID string // "" if not present
}

// Parse decomposes uri per spec.md §4.G's grammar, validating every UID
// present and rejecting frame lists and query strings.
func Parse(uri string) (Parsed, error) {
	if i := strings.IndexAny(uri, "?"); i >= 0 {
		return Parsed{}, ErrQueryStringRejected
	}
	uri = strings.TrimSuffix(uri, "/metadata")

	i := strings.Index(uri, "/studies/")
	if i < 0 {
		return Parsed{}, fmt.Errorf("query: missing /studies/ segment")
	}
	datastore := uri[:i]
	rest := strings.Trim(uri[i+len("/studies/"):], "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		return Parsed{}, fmt.Errorf("query: missing study UID")
	}

	p := Parsed{Datastore: datastore, StudyUID: parts[0]}
	if !uidRe.MatchString(p.StudyUID) {
		return Parsed{}, fmt.Errorf("query: invalid study UID %q", p.StudyUID)
	}
	rem := parts[1:]

	for len(rem) > 0 {
		switch rem[0] {
		case "series":
			if len(rem) < 2 {
				return Parsed{}, fmt.Errorf("query: missing series UID")
			}
			p.SeriesUID = rem[1]
			if !uidRe.MatchString(p.SeriesUID) {
				return Parsed{}, fmt.Errorf("query: invalid series UID %q", p.SeriesUID)
			}
			rem = rem[2:]
		case "instances":
			if len(rem) < 2 {
				return Parsed{}, fmt.Errorf("query: missing instance UID")
			}
			p.InstanceID = rem[1]
			if !uidRe.MatchString(p.InstanceID) {
				return Parsed{}, fmt.Errorf("query: invalid instance UID %q", p.InstanceID)
			}
			rem = rem[2:]
		case "frames":
			return Parsed{}, ErrFramesNotSupported
		default:
			return Parsed{}, fmt.Errorf("query: unrecognized path segment %q", rem[0])
		}
	}
	return p, nil
}

// Router resolves a Parsed request against the object store.
type Router struct {
	Client store.Client
	Parser instance.HeaderParser
	TempRoot string
	Config   cmn.Config
}

// Resolve runs the routing table of spec.md §4.G.
func (r *Router) Resolve(ctx context.Context, p Parsed) (any, error) {
	switch {
	case p.InstanceID != "":
		return r.instanceMetadata(ctx, p)
	case p.SeriesUID != "":
		return r.seriesMetadata(ctx, p)
	default:
		return r.studyMetadata(ctx, p)
	}
}

func (r *Router) openSeries(ctx context.Context, p Parsed) (*series.Object, error) {
	return series.Open(ctx, r.Client, r.Parser, p.Datastore, p.StudyUID, p.SeriesUID, series.Options{
		Lock: false, CreateIfMissing: false, TempRoot: r.TempRoot, Config: r.Config,
	})
}

func (r *Router) instanceMetadata(ctx context.Context, p Parsed) (map[string]any, error) {
	obj, err := r.openSeries(ctx, p)
	if err != nil {
		return nil, err
	}
	defer obj.Close(ctx, false)

	inst, ok := obj.Metadata().Get(p.InstanceID)
	if !ok {
		return nil, fmt.Errorf("query: instance %s not found in series %s", p.InstanceID, p.SeriesUID)
	}
	return inst.ExtractedMetadata, nil
}

func (r *Router) seriesMetadata(ctx context.Context, p Parsed) ([]map[string]any, error) {
	obj, err := r.openSeries(ctx, p)
	if err != nil {
		return nil, err
	}
	defer obj.Close(ctx, false)

	out := make([]map[string]any, 0, obj.Metadata().Len())
	obj.Metadata().Each(func(_ string, inst *instance.Handle) {
		out = append(out, inst.ExtractedMetadata)
	})
	return out, nil
}

// studyMetadata lists the study's series prefix, opens the first series
// found, and returns the header tags of that series' first instance.
// The full extracted tag map is returned; it is not filtered down to
// study-level tags, so series- and instance-level tags are included.
func (r *Router) studyMetadata(ctx context.Context, p Parsed) (map[string]any, error) {
	prefix := fmt.Sprintf("%s/studies/%s/series/", p.Datastore, p.StudyUID)
	uris, err := r.Client.List(ctx, prefix)
	if err != nil {
		return nil, cmn.Wrap(err, "query: list study series")
	}
	if len(uris) == 0 {
		return nil, fmt.Errorf("query: no series found under study %s", p.StudyUID)
	}
	seriesUID, err := firstSeriesUID(uris, prefix)
	if err != nil {
		return nil, err
	}

	obj, err := r.openSeries(ctx, Parsed{Datastore: p.Datastore, StudyUID: p.StudyUID, SeriesUID: seriesUID})
	if err != nil {
		return nil, err
	}
	defer obj.Close(ctx, false)

	var studyTags map[string]any
	obj.Metadata().Each(func(_ string, inst *instance.Handle) {
		if studyTags == nil {
			studyTags = inst.ExtractedMetadata
		}
	})
	if studyTags == nil {
		return nil, fmt.Errorf("query: series %s has no instances to derive study tags from", seriesUID)
	}
	return studyTags, nil
}

// firstSeriesUID extracts the leading series-UID path segment from the
// first listed blob under prefix (tar, metadata.json, or any sibling
// blob all share the same <series> segment).
func firstSeriesUID(uris []string, prefix string) (string, error) {
	for _, u := range uris {
		if !strings.HasPrefix(u, prefix) {
			continue
		}
		rest := strings.TrimPrefix(u, prefix)
		rest = strings.TrimSuffix(rest, ".tar")
		seg := strings.SplitN(rest, "/", 2)[0]
		if seg != "" {
			return seg, nil
		}
	}
	return "", fmt.Errorf("query: could not derive a series UID from listing under %s", prefix)
}
