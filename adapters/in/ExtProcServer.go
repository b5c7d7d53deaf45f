/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package in

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/gabriel-vasile/mimetype"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/domain/services/pipeline"
	"gatescan/domain/services/policy"
	"gatescan/logging"
	"gatescan/metrics"
)

const (
	headerPriority     = "x-priority"
	headerScanDisabled = "x-virusscan-disabled"
	headerVirusFlag    = "x-virus-infected"
	headerVirusName    = "x-virus-name"
	headerScanResult   = "x-scan-result"
	headerScanTAT      = "x-scan-tat-ms"

	fingerprintPrefix = 4 * 1024
)

// ExtProcServer implements the Envoy external-processor stream. Each
// stream is one HTTP transaction walking a linear state machine; no state
// is shared between sibling streams.
type ExtProcServer struct {
	extprocv3.UnimplementedExternalProcessorServer

	orchestrator *pipeline.Orchestrator
	bypassPolicy *policy.BypassPolicy
	verdicts     portsout.VerdictRepository
	recorder     *metrics.Recorder
	logger       logging.Logger

	scanResponses   bool
	scanResultAnnot bool
}

func NewExtProcServer(orchestrator *pipeline.Orchestrator, bypassPolicy *policy.BypassPolicy,
	verdicts portsout.VerdictRepository, recorder *metrics.Recorder, scanResponses, scanResultAnnot bool,
	logger logging.Logger) *ExtProcServer {
	return &ExtProcServer{
		orchestrator:    orchestrator,
		bypassPolicy:    bypassPolicy,
		verdicts:        verdicts,
		recorder:        recorder,
		logger:          logger,
		scanResponses:   scanResponses,
		scanResultAnnot: scanResultAnnot,
	}
}

// transaction tracks one proxied HTTP exchange across stream messages.
type transaction struct {
	method     string
	uri        string
	priority   entities.Priority
	bypassed   bool
	session    *pipeline.Session
	task       entities.Task
	enqueued   bool
	scanHeader string
	scanTAT    int64
}

func (s *ExtProcServer) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	tx := &transaction{priority: entities.PriorityNormal}

	defer s.cleanup(tx)

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		var resp *extprocv3.ProcessingResponse

		switch msg := req.Request.(type) {
		case *extprocv3.ProcessingRequest_RequestHeaders:
			resp = s.onRequestHeaders(ctx, tx, msg.RequestHeaders)

		case *extprocv3.ProcessingRequest_RequestBody:
			resp = s.onBody(ctx, tx, msg.RequestBody, true)

		case *extprocv3.ProcessingRequest_ResponseHeaders:
			resp = s.onResponseHeaders(ctx, tx, msg.ResponseHeaders)

		case *extprocv3.ProcessingRequest_ResponseBody:
			resp = s.onBody(ctx, tx, msg.ResponseBody, false)

		case *extprocv3.ProcessingRequest_RequestTrailers:
			resp = &extprocv3.ProcessingResponse{
				Response: &extprocv3.ProcessingResponse_RequestTrailers{RequestTrailers: &extprocv3.TrailersResponse{}},
			}

		case *extprocv3.ProcessingRequest_ResponseTrailers:
			resp = &extprocv3.ProcessingResponse{
				Response: &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extprocv3.TrailersResponse{}},
			}

		default:
			resp = continueRequestHeaders(nil)
		}

		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// onRequestHeaders is the DECIDE_BYPASS state.
func (s *ExtProcServer) onRequestHeaders(ctx context.Context, tx *transaction, headers *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	parsed := parseHeaders(headers.GetHeaders())
	tx.method = strings.ToUpper(parsed[":method"])
	tx.uri = policy.NormalizeURI(fmt.Sprintf("http://%s%s", parsed[":authority"], parsed[":path"]))

	if strings.EqualFold(parsed[headerScanDisabled], "true") {
		s.bypass(tx, "route-disabled")
		return continueRequestHeaders(nil)
	}

	if s.bypassPolicy.ShouldBypass(tx.uri) {
		s.bypass(tx, "host-allowlist")
		return continueRequestHeaders(nil)
	}

	tx.priority = s.bypassPolicy.Priority(parsed[headerPriority])

	// Body-less safe methods can settle against the verdict cache right
	// here; their fingerprint has no body component.
	if policy.CacheableMethod(tx.method) {
		hit, err := s.verdicts.Lookup(ctx, policy.Fingerprint(tx.uri, nil))
		if err != nil {
			s.logger.Warnw("verdict cache lookup failed", "error", err, "uri", tx.uri)
		}

		if hit {
			s.bypass(tx, "cache-hit")
			return continueRequestHeaders(nil)
		}
	}

	if headers.GetEndOfStream() {
		// Nothing to scan on the request side.
		return continueRequestHeaders(nil)
	}

	tx.session = s.orchestrator.NewSession(tx.priority, entities.TaskMetadata{
		URI:         tx.uri,
		Method:      tx.method,
		ContentType: parsed["content-type"],
	})

	return continueRequestHeaders(nil)
}

func (s *ExtProcServer) onResponseHeaders(ctx context.Context, tx *transaction, headers *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	var mutation *extprocv3.HeaderMutation
	if s.scanResultAnnot {
		mutation = s.annotation(tx)
	}

	if tx.bypassed || !s.scanResponses || headers.GetEndOfStream() {
		return continueResponseHeaders(mutation)
	}

	tx.session = s.orchestrator.NewSession(tx.priority, entities.TaskMetadata{
		URI:    tx.uri,
		Method: tx.method,
	})
	tx.enqueued = false

	return continueResponseHeaders(mutation)
}

// onBody drives BUFFERING, SPILL, ENQUEUE and WAIT_VERDICT for either
// direction of the exchange.
func (s *ExtProcServer) onBody(ctx context.Context, tx *transaction, body *extprocv3.HttpBody, request bool) *extprocv3.ProcessingResponse {
	if tx.bypassed || tx.session == nil {
		return continueBody(request)
	}

	if len(body.GetBody()) > 0 {
		if err := tx.session.Write(ctx, body.GetBody()); err != nil {
			if err == pipeline.ErrBodyTooLarge {
				s.logger.Warnw("body exceeds absolute cap, rejecting", "uri", tx.uri, "size", tx.session.Total())
				tx.session = nil
				return immediateResponse(413, "", "payload too large to scan", nil)
			}

			s.logger.Errorw("failed to ingest body chunk", "error", err, "uri", tx.uri)
			tx.session = nil
			return continueBody(request)
		}
	}

	if !body.GetEndOfStream() {
		return continueBody(request)
	}

	return s.settle(ctx, tx, request)
}

// settle finishes ingest, enqueues and blocks on the verdict.
func (s *ExtProcServer) settle(ctx context.Context, tx *transaction, request bool) *extprocv3.ProcessingResponse {
	session := tx.session
	tx.session = nil

	prefix := session.Prefix(fingerprintPrefix)
	contentType := ""
	if len(prefix) > 0 {
		contentType = mimetype.Detect(prefix).String()
	}

	task, err := session.Finish(ctx)
	if err != nil {
		s.logger.Errorw("failed to finalize ingest", "error", err, "uri", tx.uri)
		return s.failClosedOrOpen(tx, request)
	}

	tx.task = task
	s.orchestrator.RecordIngest(task)

	dispatched, err := s.orchestrator.Dispatch(ctx, task)
	if err != nil {
		s.logger.Errorw("failed to enqueue scan task", "error", err, "task_id", task.ID)
		return s.failClosedOrOpen(tx, request)
	}

	if !dispatched {
		tx.scanHeader = pipeline.ScanResultBypass
		return continueBody(request)
	}

	tx.enqueued = true
	decision := s.orchestrator.Await(ctx, task)
	tx.enqueued = false
	tx.scanHeader = decision.ScanHeader
	tx.scanTAT = decision.TATms

	if decision.Action == pipeline.ActionBlock {
		message := "request blocked by content inspection"
		if decision.VirusName != "" {
			message = fmt.Sprintf("Virus detected: %s", decision.VirusName)
		}

		s.logger.Infow("blocking transaction", "task_id", task.ID, "uri", tx.uri,
			"virus", decision.VirusName, "status", decision.StatusCode, "content_type", contentType)

		return immediateResponse(decision.StatusCode, decision.VirusName, message, nil)
	}

	if decision.ScanHeader == pipeline.ScanResultClean {
		s.storeCleanVerdict(ctx, tx, prefix)
	}

	return continueBody(request)
}

// failClosedOrOpen applies failure_mode_allow to producer-side errors that
// happen before a verdict could exist.
func (s *ExtProcServer) failClosedOrOpen(tx *transaction, request bool) *extprocv3.ProcessingResponse {
	decision := s.orchestrator.LocalFailure()
	if decision.Action == pipeline.ActionBlock {
		return immediateResponse(decision.StatusCode, "", "content inspection unavailable", nil)
	}

	tx.scanHeader = decision.ScanHeader

	return continueBody(request)
}

func (s *ExtProcServer) storeCleanVerdict(ctx context.Context, tx *transaction, prefix []byte) {
	if !policy.CacheableMethod(tx.method) {
		return
	}

	fingerprint := policy.Fingerprint(tx.uri, prefix)
	if err := s.verdicts.StoreClean(ctx, fingerprint); err != nil {
		s.logger.Warnw("failed to store clean verdict", "error", err, "uri", tx.uri)
	}
}

func (s *ExtProcServer) bypass(tx *transaction, reason string) {
	tx.bypassed = true
	tx.scanHeader = pipeline.ScanResultBypass
	s.recorder.Bypass(reason)
	s.logger.Debugw("bypassing scan", "uri", tx.uri, "reason", reason)
}

// cleanup frees queue-side state when the proxy disconnects mid-verdict.
func (s *ExtProcServer) cleanup(tx *transaction) {
	if tx.enqueued && tx.task.ID != "" {
		s.orchestrator.Abandon(context.Background(), tx.task.ID)
	}
}

func (s *ExtProcServer) annotation(tx *transaction) *extprocv3.HeaderMutation {
	if tx.scanHeader == "" {
		return nil
	}

	headers := []*corev3.HeaderValueOption{
		{Header: &corev3.HeaderValue{Key: headerScanResult, RawValue: []byte(tx.scanHeader)}},
	}

	if tx.scanHeader == pipeline.ScanResultClean {
		headers = append(headers, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{Key: headerScanTAT, RawValue: []byte(strconv.FormatInt(tx.scanTAT, 10))},
		})
	}

	return &extprocv3.HeaderMutation{SetHeaders: headers}
}

func parseHeaders(headerMap *corev3.HeaderMap) map[string]string {
	parsed := make(map[string]string, len(headerMap.GetHeaders()))
	for _, header := range headerMap.GetHeaders() {
		value := header.GetValue()
		if len(header.GetRawValue()) > 0 {
			value = string(header.GetRawValue())
		}

		parsed[strings.ToLower(header.GetKey())] = value
	}

	return parsed
}

func continueRequestHeaders(mutation *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					Status:         extprocv3.CommonResponse_CONTINUE,
					HeaderMutation: mutation,
				},
			},
		},
	}
}

func continueResponseHeaders(mutation *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					Status:         extprocv3.CommonResponse_CONTINUE,
					HeaderMutation: mutation,
				},
			},
		},
	}
}

func continueBody(request bool) *extprocv3.ProcessingResponse {
	common := &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE}

	if request {
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{
				RequestBody: &extprocv3.BodyResponse{Response: common},
			},
		}
	}

	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{Response: common},
		},
	}
}

func immediateResponse(statusCode int, virusName, message string, extra *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	mutation := extra
	if virusName != "" {
		mutation = &extprocv3.HeaderMutation{
			SetHeaders: []*corev3.HeaderValueOption{
				{Header: &corev3.HeaderValue{Key: headerVirusFlag, RawValue: []byte("true")}},
				{Header: &corev3.HeaderValue{Key: headerVirusName, RawValue: []byte(virusName)}},
			},
		}
	}

	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(statusCode)},
				Headers: mutation,
				Body:    message,
				Details: message,
			},
		},
	}
}
