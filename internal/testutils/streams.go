package testutils

import (
	"context"
	"io"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/metadata"
)

// MockExtProcStream implements extprocv3.ExternalProcessor_ProcessServer. It
// feeds the queued requests to Recv one by one, then io.EOF, and records
// everything passed to Send.
type MockExtProcStream struct {
	Requests  []*extprocv3.ProcessingRequest
	Responses []*extprocv3.ProcessingResponse
	RecvIndex int
	RecvErr   error
	SendErr   error
	Ctx       context.Context
}

// NewMockExtProcStream creates a stream that will deliver the given requests.
func NewMockExtProcStream(requests ...*extprocv3.ProcessingRequest) *MockExtProcStream {
	return &MockExtProcStream{
		Requests:  requests,
		Responses: make([]*extprocv3.ProcessingResponse, 0),
		Ctx:       context.Background(),
	}
}

// WithContext sets a custom stream context.
func (m *MockExtProcStream) WithContext(ctx context.Context) *MockExtProcStream {
	m.Ctx = ctx
	return m
}

// WithRecvError makes every Recv return err.
func (m *MockExtProcStream) WithRecvError(err error) *MockExtProcStream {
	m.RecvErr = err
	return m
}

// WithSendError makes every Send return err.
func (m *MockExtProcStream) WithSendError(err error) *MockExtProcStream {
	m.SendErr = err
	return m
}

// Send records the response, or returns the configured error.
func (m *MockExtProcStream) Send(resp *extprocv3.ProcessingResponse) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Responses = append(m.Responses, resp)
	return nil
}

// Recv returns the next queued request, io.EOF when exhausted, or the
// configured error.
func (m *MockExtProcStream) Recv() (*extprocv3.ProcessingRequest, error) {
	if m.RecvErr != nil {
		return nil, m.RecvErr
	}
	if m.RecvIndex >= len(m.Requests) {
		return nil, io.EOF
	}
	req := m.Requests[m.RecvIndex]
	m.RecvIndex++
	return req, nil
}

// Context returns the stream context.
func (m *MockExtProcStream) Context() context.Context { return m.Ctx }

func (m *MockExtProcStream) SetHeader(metadata.MD) error  { return nil }
func (m *MockExtProcStream) SendHeader(metadata.MD) error { return nil }
func (m *MockExtProcStream) SetTrailer(metadata.MD)       {}
func (m *MockExtProcStream) SendMsg(interface{}) error    { return nil }
func (m *MockExtProcStream) RecvMsg(interface{}) error    { return nil }
