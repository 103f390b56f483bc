// Package approval decides whether a request must be confirmed by a human
// before it is dispatched.
package approval

import (
	"fmt"
	"strings"

	"github.com/vnmchuo/genroute/internal/provider"
)

const (
	DefaultThresholdUSD = 0.10
	DefaultTokenLimit   = 100_000
)

type Rule string

const (
	RuleCost      Rule = "cost_threshold"
	RuleKeyword   Rule = "sensitive_keyword"
	RuleTokenSize Rule = "token_limit"
)

type Policy struct {
	AutoApproveThresholdUSD float64
	SensitiveKeywords       []string
	TokenLimit              int
}

func DefaultPolicy() Policy {
	return Policy{
		AutoApproveThresholdUSD: DefaultThresholdUSD,
		TokenLimit:              DefaultTokenLimit,
	}
}

type Decision struct {
	Required bool              `json:"required"`
	Rule     Rule              `json:"rule,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Estimate provider.Estimate `json:"estimate"`
}

// Evaluate applies the cost, keyword and token rules in that order; the first
// match wins.
func (p Policy) Evaluate(req *provider.Request, est provider.Estimate) Decision {
	d := Decision{Estimate: est}

	if p.AutoApproveThresholdUSD > 0 && est.CostUSD >= p.AutoApproveThresholdUSD {
		d.Required = true
		d.Rule = RuleCost
		d.Reason = fmt.Sprintf("estimated cost $%.4f meets the auto-approve threshold $%.4f", est.CostUSD, p.AutoApproveThresholdUSD)
		return d
	}

	if kw, ok := p.matchKeyword(req); ok {
		d.Required = true
		d.Rule = RuleKeyword
		d.Reason = fmt.Sprintf("request mentions sensitive keyword %q", kw)
		return d
	}

	if p.TokenLimit > 0 && est.Tokens() > p.TokenLimit {
		d.Required = true
		d.Rule = RuleTokenSize
		d.Reason = fmt.Sprintf("estimated %d tokens exceeds the limit of %d", est.Tokens(), p.TokenLimit)
		return d
	}

	return d
}

func (p Policy) matchKeyword(req *provider.Request) (string, bool) {
	if len(p.SensitiveKeywords) == 0 {
		return "", false
	}
	text := strings.ToLower(req.Prompt + "\n" + req.SystemPrompt)
	for _, kw := range p.SensitiveKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
