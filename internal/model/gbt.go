package model

import (
	"encoding/json"
	"fmt"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// gbtArtifact is a boosted ensemble of binary decision trees. Leaf values
// are log-odds contributions; the summed output maps through a sigmoid to a
// long probability.
type gbtArtifact struct {
	artifactHeader
	Features []string       `json:"features"`
	Norm     *normalization `json:"norm,omitempty"`
	Bias     float64        `json:"bias"`
	Deadband float64        `json:"deadband"` // |2p-1| below this scores flat
	Trees    []gbtTree      `json:"trees"`
}

type gbtTree struct {
	Nodes []gbtNode `json:"nodes"`
}

// gbtNode is one node in a flattened tree, root at index 0. Internal nodes
// route left when the feature value is <= the threshold.
type gbtNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

type gbt struct {
	id       string
	artifact gbtArtifact
}

func newGBT(id string, raw []byte) (*gbt, error) {
	var artifact gbtArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("gbt %s: %w", id, err)
	}
	if err := resolveFeatures(artifact.Features); err != nil {
		return nil, fmt.Errorf("gbt %s: %w", id, err)
	}
	if err := artifact.Norm.validate(len(artifact.Features)); err != nil {
		return nil, fmt.Errorf("gbt %s: %w", id, err)
	}
	if len(artifact.Trees) == 0 {
		return nil, fmt.Errorf("gbt %s: no trees", id)
	}
	if artifact.Deadband < 0 || artifact.Deadband >= 1 {
		return nil, fmt.Errorf("gbt %s: deadband %v outside [0, 1)", id, artifact.Deadband)
	}
	for ti, tree := range artifact.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("gbt %s: tree %d is empty", id, ti)
		}
		for ni, node := range tree.Nodes {
			if node.Leaf {
				continue
			}
			if node.Feature < 0 || node.Feature >= len(artifact.Features) {
				return nil, fmt.Errorf("gbt %s: tree %d node %d references feature %d of %d",
					id, ti, ni, node.Feature, len(artifact.Features))
			}
			if node.Left < 0 || node.Left >= len(tree.Nodes) ||
				node.Right < 0 || node.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("gbt %s: tree %d node %d has dangling children", id, ti, ni)
			}
		}
	}
	return &gbt{id: id, artifact: artifact}, nil
}

func (g *gbt) ID() string   { return g.id }
func (g *gbt) Kind() string { return KindGBT }

// Score sums the tree outputs into a long probability. The margin |2p-1|
// is the confidence; inside the deadband the model abstains.
func (g *gbt) Score(fv types.FeatureVector) (types.Signal, float64, error) {
	x := inputs(fv, g.artifact.Features)
	g.artifact.Norm.apply(x)

	raw := g.artifact.Bias
	for _, tree := range g.artifact.Trees {
		raw += tree.eval(x)
	}
	p := sigmoid(raw)

	margin := 2*p - 1
	conf := margin
	if conf < 0 {
		conf = -conf
	}
	if conf < g.artifact.Deadband {
		return types.SignalFlat, 0, nil
	}
	if margin > 0 {
		return types.SignalBuy, conf, nil
	}
	return types.SignalSell, conf, nil
}

// eval walks the tree from the root. Depth is bounded by the node count, so
// a cyclic artifact cannot loop forever.
func (t gbtTree) eval(x []float64) float64 {
	idx := 0
	for hops := 0; hops <= len(t.Nodes); hops++ {
		node := t.Nodes[idx]
		if node.Leaf {
			return node.Value
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return 0
}
