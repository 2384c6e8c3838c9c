package instance

import "github.com/gradienthealth/codpack/cmn"

// Hints carries caller-supplied claims about an instance that can be
// consumed without fetching the file; each set field is checked against
// the truth the first time the instance is actually read (spec.md §3,
// §4.B).
type Hints struct {
	Size       *int64
	CRC32C     *string
	InstanceUID *string
	SeriesUID  *string
	StudyUID   *string
}

// Truths is the set of learned facts a Hints value is validated against.
type Truths struct {
	Size       int64
	CRC32C     string
	InstanceUID string
	SeriesUID  string
	StudyUID   string
}

// Validate compares every set hint field against t, returning the first
// mismatch as *cmn.ErrHintMismatch. A nil Hints field is never checked
// ("if a field is set, it may be consumed without fetching the
// instance... on first real access ... every set hint is compared
// against the truth" — spec.md §4.B).
func (h Hints) Validate(t Truths) error {
	if h.Size != nil && *h.Size != t.Size {
		return &cmn.ErrHintMismatch{Field: "size", Hint: *h.Size, Truth: t.Size}
	}
	if h.CRC32C != nil && *h.CRC32C != t.CRC32C {
		return &cmn.ErrHintMismatch{Field: "crc32c", Hint: *h.CRC32C, Truth: t.CRC32C}
	}
	if h.InstanceUID != nil && *h.InstanceUID != t.InstanceUID {
		return &cmn.ErrHintMismatch{Field: "instance_uid", Hint: *h.InstanceUID, Truth: t.InstanceUID}
	}
	if h.SeriesUID != nil && *h.SeriesUID != t.SeriesUID {
		return &cmn.ErrHintMismatch{Field: "series_uid", Hint: *h.SeriesUID, Truth: t.SeriesUID}
	}
	if h.StudyUID != nil && *h.StudyUID != t.StudyUID {
		return &cmn.ErrHintMismatch{Field: "study_uid", Hint: *h.StudyUID, Truth: t.StudyUID}
	}
	return nil
}
