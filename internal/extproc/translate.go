package extproc

import (
	"context"
	"errors"
	"fmt"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocconfigv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/google/uuid"

	"github.com/policy-gate/policy-gate/internal/pipeline"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// continueRequestHeaders lets the request through to the upstream. The mode
// override keeps the response headers phase on and switches bodies and
// trailers off; the engine has nothing to run on those.
func continueRequestHeaders() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		},
		ModeOverride: &extprocconfigv3.ProcessingMode{
			ResponseHeaderMode:  extprocconfigv3.ProcessingMode_SEND,
			RequestBodyMode:     extprocconfigv3.ProcessingMode_NONE,
			ResponseBodyMode:    extprocconfigv3.ProcessingMode_NONE,
			RequestTrailerMode:  extprocconfigv3.ProcessingMode_SKIP,
			ResponseTrailerMode: extprocconfigv3.ProcessingMode_SKIP,
		},
	}
}

func continueResponseHeaders() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{},
		},
	}
}

// skipAllResponse answers the request headers phase for streams with no
// matched route: every later phase is switched off.
func skipAllResponse() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		},
		ModeOverride: &extprocconfigv3.ProcessingMode{
			ResponseHeaderMode:  extprocconfigv3.ProcessingMode_SKIP,
			RequestBodyMode:     extprocconfigv3.ProcessingMode_NONE,
			ResponseBodyMode:    extprocconfigv3.ProcessingMode_NONE,
			RequestTrailerMode:  extprocconfigv3.ProcessingMode_SKIP,
			ResponseTrailerMode: extprocconfigv3.ProcessingMode_SKIP,
		},
	}
}

// outcomeResponse maps a terminal outcome to an immediate response, ending
// the HTTP exchange from inside the filter chain.
func (p *Processor) outcomeResponse(ctx context.Context, req *policy.Request, o pipeline.Outcome) *extprocv3.ProcessingResponse {
	switch v := o.(type) {
	case pipeline.Denied:
		reason := v.Reason
		if reason == "" {
			reason = "request denied"
		}
		return immediateResponse(typev3.StatusCode_Forbidden, "text/plain; charset=utf-8", []byte(reason))

	case pipeline.Failed:
		code := typev3.StatusCode_InternalServerError
		message := "policy execution failed"
		if errors.Is(v.Err, policy.ErrMissingPolicy) {
			code = typev3.StatusCode_NotImplemented
			message = "policy not implemented"
		}

		errorID := uuid.New().String()
		p.logger.ErrorContext(ctx, "Request stopped by policy failure",
			"requestId", req.ID,
			"route", req.Route,
			"errorId", errorID,
			"error", v.Err,
		)
		body := fmt.Sprintf(`{"error_id":%q,"message":%q}`+"\n", errorID, message)
		return immediateResponse(code, "application/json", []byte(body))

	default:
		return internalErrorResponse()
	}
}

func immediateResponse(code typev3.StatusCode, contentType string, body []byte) *extprocv3.ProcessingResponse {
	resp := &extprocv3.ImmediateResponse{
		Status: &typev3.HttpStatus{Code: code},
		Body:   body,
	}
	if contentType != "" {
		resp.Headers = &extprocv3.HeaderMutation{
			SetHeaders: []*corev3.HeaderValueOption{{
				Header: &corev3.HeaderValue{
					Key:      "content-type",
					RawValue: []byte(contentType),
				},
				AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
			}},
		}
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: resp,
		},
	}
}

func internalErrorResponse() *extprocv3.ProcessingResponse {
	return immediateResponse(typev3.StatusCode_InternalServerError, "", nil)
}
