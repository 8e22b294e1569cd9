package stream

import (
	"context"

	"github.com/italolelis/streambox/internal/telemetry"
)

// InstrumentedTransport wraps Transport with telemetry.
type InstrumentedTransport struct {
	transport     Transport
	telemetry     *telemetry.Telemetry
	transportType string
}

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(transport Transport, tel *telemetry.Telemetry, transportType string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport:     transport,
		telemetry:     tel,
		transportType: transportType,
	}
}

// ResolveRemoteFile resolves a remote identity with telemetry.
func (t *InstrumentedTransport) ResolveRemoteFile(ctx context.Context, remoteID string) (Resolution, error) {
	var result Resolution

	var err error

	instrumentedErr := t.telemetry.InstrumentTransportOperation(ctx, t.transportType, "resolve_remote_file", func(ctx context.Context) error {
		result, err = t.transport.ResolveRemoteFile(ctx, remoteID)

		return err
	})

	if instrumentedErr != nil {
		return Resolution{}, instrumentedErr
	}

	return result, nil
}

// StartPartialDownload starts a ranged download with telemetry.
func (t *InstrumentedTransport) StartPartialDownload(
	ctx context.Context, localID int64, offset, limit int64, priority uint8,
) (*DownloadHandle, error) {
	var result *DownloadHandle

	var err error

	instrumentedErr := t.telemetry.InstrumentTransportOperation(ctx, t.transportType, "start_partial_download", func(ctx context.Context) error {
		result, err = t.transport.StartPartialDownload(ctx, localID, offset, limit, priority)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// QueryLocalFileState reports cache state with telemetry.
func (t *InstrumentedTransport) QueryLocalFileState(ctx context.Context, localID int64) (LocalFileState, error) {
	var result LocalFileState

	var err error

	instrumentedErr := t.telemetry.InstrumentTransportOperation(ctx, t.transportType, "query_local_file_state", func(ctx context.Context) error {
		result, err = t.transport.QueryLocalFileState(ctx, localID)

		return err
	})

	if instrumentedErr != nil {
		return LocalFileState{}, instrumentedErr
	}

	return result, nil
}

// CancelDownload stops an active transfer with telemetry.
func (t *InstrumentedTransport) CancelDownload(ctx context.Context, localID int64) error {
	return t.telemetry.InstrumentTransportOperation(ctx, t.transportType, "cancel_download", func(ctx context.Context) error {
		return t.transport.CancelDownload(ctx, localID)
	})
}
