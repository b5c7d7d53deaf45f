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
	"net/http"
	"strings"

	"github.com/go-icap/icap"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/domain/services/pipeline"
	"gatescan/domain/services/policy"
	"gatescan/logging"
	"gatescan/metrics"
)

const (
	icapServiceName = "gatescan"
	icapISTag       = "gatescan-1.0"
	icapReadChunk   = 64 * 1024
)

// IcapServer maps RFC 3507 REQMOD/RESPMOD onto the same ingest pipeline
// the ext_proc front drives. Squid-style proxies integrate here.
type IcapServer struct {
	orchestrator *pipeline.Orchestrator
	bypassPolicy *policy.BypassPolicy
	verdicts     portsout.VerdictRepository
	recorder     *metrics.Recorder
	logger       logging.Logger
	previewSize  int
}

func NewIcapServer(orchestrator *pipeline.Orchestrator, bypassPolicy *policy.BypassPolicy,
	verdicts portsout.VerdictRepository, recorder *metrics.Recorder, previewSize int, logger logging.Logger) *IcapServer {
	return &IcapServer{
		orchestrator: orchestrator,
		bypassPolicy: bypassPolicy,
		verdicts:     verdicts,
		recorder:     recorder,
		previewSize:  previewSize,
		logger:       logger,
	}
}

func (s *IcapServer) ListenAndServe(addr string) error {
	s.logger.Infow("starting ICAP listener", "addr", addr)
	return icap.ListenAndServe(addr, icap.HandlerFunc(s.handle))
}

func (s *IcapServer) handle(w icap.ResponseWriter, req *icap.Request) {
	header := w.Header()
	header.Set("ISTag", icapISTag)
	header.Set("Service", icapServiceName)

	switch req.Method {
	case "OPTIONS":
		header.Set("Methods", "REQMOD, RESPMOD")
		header.Set("Allow", "204")
		header.Set("Preview", fmt.Sprintf("%d", s.previewSize))
		w.WriteHeader(http.StatusOK, nil, false)

	case "REQMOD":
		s.modify(w, req, req.Request, bodyOf(req.Request))

	case "RESPMOD":
		s.modify(w, req, req.Request, respBodyOf(req.Response))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed, nil, false)
	}
}

func bodyOf(req *http.Request) io.Reader {
	if req == nil || req.Body == nil {
		return nil
	}

	return req.Body
}

func respBodyOf(resp *http.Response) io.Reader {
	if resp == nil || resp.Body == nil {
		return nil
	}

	return resp.Body
}

func (s *IcapServer) modify(w icap.ResponseWriter, icapReq *icap.Request, httpReq *http.Request, body io.Reader) {
	if httpReq == nil {
		w.WriteHeader(http.StatusNoContent, nil, false)
		return
	}

	ctx := context.Background()
	uri := policy.NormalizeURI(httpReq.URL.String())
	method := strings.ToUpper(httpReq.Method)

	if strings.EqualFold(httpReq.Header.Get(headerScanDisabled), "true") || s.bypassPolicy.ShouldBypass(uri) {
		s.recorder.Bypass("host-allowlist")
		w.WriteHeader(http.StatusNoContent, nil, false)
		return
	}

	if policy.CacheableMethod(method) && icapReq.Method == "REQMOD" {
		hit, err := s.verdicts.Lookup(ctx, policy.Fingerprint(uri, nil))
		if err == nil && hit {
			s.recorder.Bypass("cache-hit")
			w.WriteHeader(http.StatusNoContent, nil, false)
			return
		}
	}

	if body == nil {
		w.WriteHeader(http.StatusNoContent, nil, false)
		return
	}

	priority := s.bypassPolicy.Priority(httpReq.Header.Get(headerPriority))
	session := s.orchestrator.NewSession(priority, entities.TaskMetadata{URI: uri, Method: method})

	buffer := make([]byte, icapReadChunk)
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			if werr := session.Write(ctx, buffer[:n]); werr != nil {
				if werr == pipeline.ErrBodyTooLarge {
					w.WriteHeader(http.StatusRequestEntityTooLarge, nil, false)
					return
				}

				s.logger.Errorw("failed to ingest icap body", "error", werr, "uri", uri)
				s.respondFailure(w)
				return
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			s.logger.Errorw("failed to read icap body", "error", err, "uri", uri)
			s.respondFailure(w)
			return
		}
	}

	prefix := session.Prefix(fingerprintPrefix)

	task, err := session.Finish(ctx)
	if err != nil {
		s.logger.Errorw("failed to finalize icap ingest", "error", err, "uri", uri)
		s.respondFailure(w)
		return
	}

	s.orchestrator.RecordIngest(task)

	dispatched, err := s.orchestrator.Dispatch(ctx, task)
	if err != nil {
		s.logger.Errorw("failed to enqueue icap task", "error", err, "task_id", task.ID)
		s.respondFailure(w)
		return
	}

	if !dispatched {
		w.WriteHeader(http.StatusNoContent, nil, false)
		return
	}

	decision := s.orchestrator.Await(ctx, task)
	if decision.Action == pipeline.ActionBlock {
		s.respondBlock(w, decision)
		return
	}

	if decision.ScanHeader == pipeline.ScanResultClean && policy.CacheableMethod(method) && icapReq.Method == "RESPMOD" {
		if err := s.verdicts.StoreClean(ctx, policy.Fingerprint(uri, prefix)); err != nil {
			s.logger.Warnw("failed to store clean verdict", "error", err, "uri", uri)
		}
	}

	// 204: admit the message unmodified.
	w.WriteHeader(http.StatusNoContent, nil, false)
}

func (s *IcapServer) respondFailure(w icap.ResponseWriter) {
	decision := s.orchestrator.LocalFailure()
	if decision.Action == pipeline.ActionAdmit {
		w.WriteHeader(http.StatusNoContent, nil, false)
		return
	}

	s.respondBlock(w, decision)
}

func (s *IcapServer) respondBlock(w icap.ResponseWriter, decision pipeline.Decision) {
	message := "request blocked by content inspection"
	if decision.VirusName != "" {
		message = fmt.Sprintf("Virus detected: %s", decision.VirusName)
	}

	blocked := &http.Response{
		StatusCode: decision.StatusCode,
		Status:     fmt.Sprintf("%d %s", decision.StatusCode, http.StatusText(decision.StatusCode)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}

	blocked.Header.Set("Content-Type", "text/plain")
	if decision.VirusName != "" {
		blocked.Header.Set(headerVirusFlag, "true")
		blocked.Header.Set(headerVirusName, decision.VirusName)
	}

	w.WriteHeader(http.StatusOK, blocked, true)
	if _, err := w.Write([]byte(message + "\n")); err != nil {
		s.logger.Warnw("failed to write icap block body", "error", err)
	}
}
