package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from MutationStatus
		to   MutationStatus
		want bool
	}{
		{MutationStatusPending, MutationStatusProcessing, true},
		{MutationStatusPending, MutationStatusFailedPermanent, false},
		{MutationStatusProcessing, MutationStatusPending, true},
		{MutationStatusProcessing, MutationStatusFailedPermanent, true},
		{MutationStatusFailedPermanent, MutationStatusPending, true},
		{MutationStatusFailedPermanent, MutationStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	report := NewReport("off-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	report.Fields.Title = "Footings"

	t.Run("create report keeps variant", func(t *testing.T) {
		data, err := EncodePayload(ReportSavePayload{Create: true, Report: report.Clone()})
		require.NoError(t, err)

		p, err := DecodePayload(MutationCreateReport, data)
		require.NoError(t, err)
		save, ok := p.(ReportSavePayload)
		require.True(t, ok)
		assert.Equal(t, MutationCreateReport, save.Kind())
		assert.Equal(t, "Footings", save.Report.Fields.Title)
	})

	t.Run("stored kind wins over body", func(t *testing.T) {
		data, err := EncodePayload(ReportSavePayload{Create: true, Report: report.Clone()})
		require.NoError(t, err)

		p, err := DecodePayload(MutationUpdateReport, data)
		require.NoError(t, err)
		assert.Equal(t, MutationUpdateReport, p.Kind())
	})

	t.Run("delete photo", func(t *testing.T) {
		data, err := EncodePayload(DeletePhotoPayload{LocalPhotoID: "lp-1", PermanentPhotoID: "perm-1"})
		require.NoError(t, err)

		p, err := DecodePayload(MutationDeletePhoto, data)
		require.NoError(t, err)
		assert.Equal(t, DeletePhotoPayload{LocalPhotoID: "lp-1", PermanentPhotoID: "perm-1"}, p)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodePayload(MutationKind("rename_report"), []byte(`{}`))
		assert.Equal(t, EINVALID, ErrorCode(err))
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := DecodePayload(MutationUploadPhoto, []byte(`{`))
		assert.Equal(t, EINVALID, ErrorCode(err))
	})
}

func TestNewPendingMutation(t *testing.T) {
	now := time.Now()
	m := NewPendingMutation("off-1", UploadPhotoPayload{LocalPhotoID: "lp-1", ReportOfflineID: "off-1"}, now)

	assert.Equal(t, MutationUploadPhoto, m.Kind)
	assert.Equal(t, MutationStatusPending, m.Status)
	assert.Equal(t, now, m.NextAttemptAt)
	assert.Zero(t, m.AttemptCount)
}

func TestErrorPredicates(t *testing.T) {
	base := errors.New("connection reset")

	assert.True(t, IsTransient(Transient(base, "syncapi.save_report", "request failed")))
	assert.True(t, IsRejected(Rejected("syncapi.save_report", "title is required")))
	assert.True(t, IsStorageUnavailable(StorageUnavailable(base, "localstore.put_report")))
	assert.Equal(t, EMISMATCH, ErrorCode(ReconciliationMismatch("reconcile.apply", "lp-9")))
	assert.Equal(t, EINTERNAL, ErrorCode(base))
	assert.ErrorIs(t, StorageUnavailable(base, "op"), base)
}
