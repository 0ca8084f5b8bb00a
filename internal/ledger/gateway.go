package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// GatewayOpts configures the HTTP ledger gateway.
type GatewayOpts struct {
	BaseURL       string
	Timeout       time.Duration // default 30s; must cover ledger confirmation latency
	SubmitRPS     float64       // 0 = unlimited
	FailThreshold int
	OpenFor       time.Duration
	HTTPClient    *http.Client
}

// Gateway submits transactions to the ledger's REST gateway.
//
//	POST {base}/v1/transactions
//	Idempotency-Key: <key>
//	{"function": "...", "args": ["<base64>", ...]}
//
// 2xx returns {"txId": "...", "duplicate": bool}; 409 means the key was already
// executed and also carries the original txId.
type Gateway struct {
	baseURL string
	client  *http.Client
	br      *Breaker
	limiter *rate.Limiter
}

var _ Submitter = (*Gateway)(nil)

func NewGateway(opts GatewayOpts) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ledger gateway: empty base url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	g := &Gateway{
		baseURL: base,
		client:  hc,
		br:      NewBreaker(opts.FailThreshold, opts.OpenFor),
	}
	if opts.SubmitRPS > 0 {
		burst := int(opts.SubmitRPS)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRPS), burst)
	}
	return g, nil
}

type submitBody struct {
	Function       string   `json:"function"`
	Args           [][]byte `json:"args"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

type submitReply struct {
	TxID      string `json:"txId"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error"`
}

func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.IdempotencyKey == "" {
		return SubmitResult{}, NewError(KindMalformed, false, "missing idempotency key")
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return SubmitResult{}, err
		}
	}
	if !g.br.TryAcquire() {
		return SubmitResult{}, NewError(KindBreakerOpen, true, "gateway circuit open")
	}

	res, err := g.post(ctx, req)
	if err != nil {
		var le *Error
		if !errors.As(err, &le) || le.Retryable() {
			g.br.OnFailure()
		} else {
			// a rejected transaction says nothing about gateway health
			g.br.OnSuccess()
		}
		return SubmitResult{}, err
	}

	g.br.OnSuccess()
	return res, nil
}

func (g *Gateway) post(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	b, err := json.Marshal(submitBody{Function: req.Function, Args: req.Args, IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		return SubmitResult{}, NewError(KindMalformed, false, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transactions", bytes.NewReader(b))
	if err != nil {
		return SubmitResult{}, NewError(KindMalformed, false, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	res, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return SubmitResult{}, ctx.Err()
		}
		return SubmitResult{}, NewError(KindUnavailable, true, err.Error())
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var reply submitReply
	_ = json.Unmarshal(raw, &reply)

	switch {
	case res.StatusCode/100 == 2:
		if reply.TxID == "" {
			// accepted but unreadable; resubmitting under the same key is safe
			return SubmitResult{}, NewError(KindMalformed, true, "gateway reply without txId")
		}
		return SubmitResult{TxID: reply.TxID, Duplicate: reply.Duplicate}, nil
	case res.StatusCode == http.StatusConflict && reply.TxID != "":
		return SubmitResult{TxID: reply.TxID, Duplicate: true}, nil
	default:
		return SubmitResult{}, classifyStatus(res.StatusCode, reply.Error)
	}
}

func classifyStatus(status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	var e *Error
	switch {
	case status == http.StatusTooManyRequests:
		e = NewError(KindRateLimited, true, msg)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		e = NewError(KindUnavailable, true, msg)
	default:
		e = NewError(KindRejected, false, msg)
	}
	e.Status = status
	return e
}

func (g *Gateway) String() string { return fmt.Sprintf("ledger-gateway(%s)", g.baseURL) }
