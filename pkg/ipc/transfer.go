package ipc

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/transfer"
)

// ChannelTransfer carries host-initiated file transfer operations.
const ChannelTransfer = "transfer"

// SendFileRequest asks the core to send a file over the active session.
type SendFileRequest struct {
	Path string `cbor:"path"`
	Name string `cbor:"name"`
}

// TransferProgress is the payload of a transfer progress envelope.
type TransferProgress struct {
	BytesDone  uint64  `cbor:"done"`
	TotalBytes uint64  `cbor:"total"`
	Percent    float64 `cbor:"percent"`
	Throughput float64 `cbor:"throughput"`
	ETASeconds float64 `cbor:"eta"`
}

// SendFileResult reports a completed transfer.
type SendFileResult struct {
	TransferID []byte `cbor:"id"`
	Bytes      uint64 `cbor:"bytes"`
}

// TransferService serves ChannelTransfer on the core side of a Router. Each
// request opens a sender, streams its progress back as progress envelopes,
// and runs it under the request's context, so a cancel envelope from the
// host stops the transfer.
type TransferService struct {
	// Open builds the sender for one request. The notify callback must be
	// installed as the sender's Notify so progress reaches the host.
	Open func(req *SendFileRequest, notify func(transfer.Event)) (*transfer.Sender, error)
}

// Register installs the service's handler on the router.
func (s *TransferService) Register(r *Router) {
	r.Handle(ChannelTransfer, s.serve)
}

func (s *TransferService) serve(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
	var req SendFileRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, verrors.NewProtocolError("transfer request", err)
	}

	snd, err := s.Open(&req, func(ev transfer.Event) {
		if ev.Kind != transfer.EventProgress {
			return
		}
		body, err := cbor.Marshal(&TransferProgress{
			BytesDone:  ev.Progress.BytesDone,
			TotalBytes: ev.Progress.TotalBytes,
			Percent:    ev.Progress.Percent,
			Throughput: ev.Progress.Throughput,
			ETASeconds: ev.Progress.ETA.Seconds(),
		})
		if err == nil {
			progress(body)
		}
	})
	if err != nil {
		return nil, err
	}

	if err := snd.Run(ctx); err != nil {
		return nil, err
	}

	job := snd.Job()
	return cbor.Marshal(&SendFileResult{TransferID: job.ID[:], Bytes: job.Size})
}

// SendFile issues a transfer request over the router and streams progress
// to onProgress until the transfer finishes. The request runs without the
// default timeout; cancel ctx to abort the transfer.
func SendFile(ctx context.Context, r *Router, req *SendFileRequest, onProgress func(*TransferProgress)) (*SendFileResult, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, verrors.NewProtocolError("transfer request", err)
	}

	opts := []RequestOption{WithNoTimeout()}
	if onProgress != nil {
		opts = append(opts, WithProgress(func(payload []byte) {
			var p TransferProgress
			if cbor.Unmarshal(payload, &p) == nil {
				onProgress(&p)
			}
		}))
	}

	resp, err := r.Request(ctx, ChannelTransfer, body, opts...)
	if err != nil {
		return nil, err
	}
	var res SendFileResult
	if err := cbor.Unmarshal(resp, &res); err != nil {
		return nil, verrors.NewProtocolError("transfer response", err)
	}
	return &res, nil
}
