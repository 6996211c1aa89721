package model

import (
	"encoding/json"
	"fmt"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// policyArtifact is a linear state-action value function: one weight vector
// and bias per action. The greedy action wins; action values feed a softmax
// purely to produce a comparable confidence.
type policyArtifact struct {
	artifactHeader
	Features []string       `json:"features"`
	Norm     *normalization `json:"norm,omitempty"`
	Actions  policyActions  `json:"actions"`
}

type policyActions struct {
	Buy  policyHead `json:"buy"`
	Sell policyHead `json:"sell"`
	Flat policyHead `json:"flat"`
}

type policyHead struct {
	W []float64 `json:"w"`
	B float64   `json:"b"`
}

type policy struct {
	id       string
	artifact policyArtifact
}

func newPolicy(id string, raw []byte) (*policy, error) {
	var artifact policyArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	if err := resolveFeatures(artifact.Features); err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	if err := artifact.Norm.validate(len(artifact.Features)); err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	n := len(artifact.Features)
	for name, head := range map[string]policyHead{
		"buy":  artifact.Actions.Buy,
		"sell": artifact.Actions.Sell,
		"flat": artifact.Actions.Flat,
	} {
		if len(head.W) != n {
			return nil, fmt.Errorf("policy %s: action %s has %d weights, want %d",
				id, name, len(head.W), n)
		}
	}
	return &policy{id: id, artifact: artifact}, nil
}

func (p *policy) ID() string   { return p.id }
func (p *policy) Kind() string { return KindPolicy }

func (p *policy) Score(fv types.FeatureVector) (types.Signal, float64, error) {
	x := inputs(fv, p.artifact.Features)
	p.artifact.Norm.apply(x)

	q := []float64{
		p.artifact.Actions.Buy.value(x),
		p.artifact.Actions.Sell.value(x),
		p.artifact.Actions.Flat.value(x),
	}
	sig, conf := classify(softmax(q))
	return sig, conf, nil
}

func (h policyHead) value(x []float64) float64 {
	v := h.B
	for i, w := range h.W {
		v += w * x[i]
	}
	return v
}
