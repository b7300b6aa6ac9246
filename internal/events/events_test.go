package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherEncodesEvent(t *testing.T) {
	conn := &fakeConn{}
	pub := newNATSPublisher(conn, zerolog.Nop())
	at := time.Date(2024, 7, 4, 21, 35, 0, 0, time.UTC)

	err := pub.Publish(context.Background(), Event{
		Kind:         KindMerged,
		ReportID:     "rpt_1",
		PartitionKey: "c23nb6",
		UserID:       "u2",
		MergedCount:  2,
		At:           at,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"localpulse.reports.merged"}, conn.subjects)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	require.Equal(t, "rpt_1", decoded["reportId"])
	require.Equal(t, "c23nb6", decoded["partitionKey"])
	require.Equal(t, "u2", decoded["userId"])
	require.Equal(t, float64(2), decoded["mergedCount"])
	require.Equal(t, "2024-07-04T21:35:00Z", decoded["at"])
	require.NotContains(t, decoded, "Kind")

	require.NoError(t, pub.Close())
	require.True(t, conn.drained)
}

func TestNATSPublisherWrapsErrors(t *testing.T) {
	cause := errors.New("connection closed")
	pub := newNATSPublisher(&fakeConn{err: cause}, zerolog.Nop())

	err := pub.Publish(context.Background(), Event{Kind: KindCreated, ReportID: "rpt_1"})
	require.ErrorIs(t, err, cause)
	require.ErrorContains(t, err, "localpulse.reports.created")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pub.Publish(ctx, Event{Kind: KindCreated}), context.Canceled)
}

func TestNopPublisher(t *testing.T) {
	var pub Publisher = NopPublisher{}
	require.NoError(t, pub.Publish(context.Background(), Event{Kind: KindWithdrawn}))
	require.NoError(t, pub.Close())
}
