// CLAUDE:SUMMARY Ordered, configurable chain of QR decode strategies (local image pipeline, raw reader, remote decode service).
// Package qrdecode turns a photographed or uploaded receipt image into the
// text carried by its QR code. Strategies run in a configured order and the
// first non-empty result wins. Exhausting every strategy is a normal
// outcome, reported as an empty Result rather than an error.
package qrdecode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/hazyhaar/nfce/connectivity"
)

// Strategy names accepted in configuration.
const (
	StrategyLocal    = "local"
	StrategyLocalRaw = "local-raw"
	StrategyRemote   = "remote"
)

// DefaultStrategies is the order used when none is configured.
var DefaultStrategies = []string{StrategyLocal, StrategyRemote}

// DefaultRemoteURL is the public goqr.me read endpoint. Its answer is the
// shape the default JSONPath reads.
const DefaultRemoteURL = "https://api.qrserver.com/v1/read-qr-code/"

// ErrNoRemote is returned by Build when "remote" is listed but no decode
// service was given.
var ErrNoRemote = errors.New("qrdecode: remote strategy listed without a decode service")

// ErrBadImage is returned by strategies that cannot decode the image bytes
// as a picture at all.
var ErrBadImage = errors.New("qrdecode: unreadable image")

// Strategy decodes QR text from image bytes. A strategy that simply finds
// no code returns "", nil.
type Strategy interface {
	Name() string
	Decode(ctx context.Context, image []byte) (string, error)
}

// Outcome classifies one strategy attempt.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeNetwork  Outcome = "network"
	OutcomeBadImage Outcome = "bad_image"
	OutcomeSkipped  Outcome = "skipped" // circuit open
)

// Attempt records what one strategy did.
type Attempt struct {
	Strategy string  `json:"strategy"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
}

// Result is the outcome of a chain run. Text is empty when no strategy
// found a code.
type Result struct {
	Text     string    `json:"text,omitempty"`
	Strategy string    `json:"strategy,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Found reports whether any strategy produced text.
func (r *Result) Found() bool { return r.Text != "" }

// Chain runs strategies in order.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain builds a chain over the given strategies.
func NewChain(logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, logger: logger}
}

// Build resolves configured strategy names into a chain. remote may be nil
// only when "remote" is not listed.
func Build(names []string, remote *Remote, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(names) == 0 {
		names = DefaultStrategies
	}
	var ss []Strategy
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if seen[n] {
			continue
		}
		seen[n] = true
		switch n {
		case StrategyLocal:
			ss = append(ss, NewLocal(true))
		case StrategyLocalRaw:
			ss = append(ss, NewLocal(false))
		case StrategyRemote:
			if remote == nil {
				return nil, ErrNoRemote
			}
			ss = append(ss, remote)
		default:
			return nil, fmt.Errorf("qrdecode: unknown strategy %q", n)
		}
	}
	if len(ss) == 0 {
		return nil, errors.New("qrdecode: no usable strategy")
	}
	return NewChain(logger, ss...), nil
}

// Names returns the strategy order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name()
	}
	return out
}

// Decode tries each strategy until one yields text. It never fails:
// strategy errors are classified into the attempt list and the next
// strategy is tried. A cancelled context stops the chain early.
func (c *Chain) Decode(ctx context.Context, image []byte) *Result {
	res := &Result{}
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			break
		}
		text, err := s.Decode(ctx, image)
		text = strings.TrimSpace(text)
		a := Attempt{Strategy: s.Name(), Outcome: Classify(err)}
		if err != nil {
			a.Error = err.Error()
			c.logger.Warn("qrdecode: strategy failed",
				"strategy", s.Name(), "outcome", a.Outcome, "error", err)
		} else if text == "" {
			c.logger.Debug("qrdecode: strategy miss", "strategy", s.Name())
		}
		if err == nil && text != "" {
			a.Outcome = OutcomeHit
			res.Attempts = append(res.Attempts, a)
			res.Text = text
			res.Strategy = s.Name()
			return res
		}
		res.Attempts = append(res.Attempts, a)
	}
	return res
}

// Classify maps a strategy error to an Outcome. nil is a miss.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeMiss
	}
	var (
		timeout *connectivity.ErrCallTimeout
		open    *connectivity.ErrCircuitOpen
		netErr  net.Error
	)
	switch {
	case errors.Is(err, ErrBadImage):
		return OutcomeBadImage
	case errors.As(err, &open):
		return OutcomeSkipped
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return OutcomeTimeout
	}
	return OutcomeNetwork
}
