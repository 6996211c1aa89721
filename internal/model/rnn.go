package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// rnnArtifact is a single-layer Elman network with a three-way softmax head
// (buy, sell, flat). Weight matrices are row-major nested arrays.
type rnnArtifact struct {
	artifactHeader
	Features []string       `json:"features"`
	Norm     *normalization `json:"norm,omitempty"`
	Hidden   int            `json:"hidden"`
	Wxh      [][]float64    `json:"wxh"` // hidden x inputs
	Whh      [][]float64    `json:"whh"` // hidden x hidden
	Why      [][]float64    `json:"why"` // 3 x hidden
	Bh       []float64      `json:"bh"`
	By       []float64      `json:"by"`
}

// rnn carries hidden state per symbol across calls; the sequence a model
// sees is the sequence of candle closes for that symbol. A reload replaces
// the whole model, so state restarts cold by construction.
type rnn struct {
	id       string
	features []string
	norm     *normalization
	hidden   int
	wxh      *mat.Dense
	whh      *mat.Dense
	why      *mat.Dense
	bh       *mat.VecDense
	by       *mat.VecDense

	mu    sync.Mutex
	state map[string]*mat.VecDense
}

func newRNN(id string, raw []byte) (*rnn, error) {
	var artifact rnnArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("rnn %s: %w", id, err)
	}
	if err := resolveFeatures(artifact.Features); err != nil {
		return nil, fmt.Errorf("rnn %s: %w", id, err)
	}
	if err := artifact.Norm.validate(len(artifact.Features)); err != nil {
		return nil, fmt.Errorf("rnn %s: %w", id, err)
	}
	if artifact.Hidden <= 0 {
		return nil, fmt.Errorf("rnn %s: hidden size %d", id, artifact.Hidden)
	}

	wxh, err := denseFrom(artifact.Wxh, artifact.Hidden, len(artifact.Features))
	if err != nil {
		return nil, fmt.Errorf("rnn %s: wxh: %w", id, err)
	}
	whh, err := denseFrom(artifact.Whh, artifact.Hidden, artifact.Hidden)
	if err != nil {
		return nil, fmt.Errorf("rnn %s: whh: %w", id, err)
	}
	why, err := denseFrom(artifact.Why, classCount, artifact.Hidden)
	if err != nil {
		return nil, fmt.Errorf("rnn %s: why: %w", id, err)
	}
	if len(artifact.Bh) != artifact.Hidden || len(artifact.By) != classCount {
		return nil, fmt.Errorf("rnn %s: bias sizes %d/%d, want %d/%d",
			id, len(artifact.Bh), len(artifact.By), artifact.Hidden, classCount)
	}

	return &rnn{
		id:       id,
		features: artifact.Features,
		norm:     artifact.Norm,
		hidden:   artifact.Hidden,
		wxh:      wxh,
		whh:      whh,
		why:      why,
		bh:       mat.NewVecDense(artifact.Hidden, artifact.Bh),
		by:       mat.NewVecDense(classCount, artifact.By),
		state:    make(map[string]*mat.VecDense),
	}, nil
}

func (r *rnn) ID() string   { return r.id }
func (r *rnn) Kind() string { return KindRNN }

func (r *rnn) Score(fv types.FeatureVector) (types.Signal, float64, error) {
	x := inputs(fv, r.features)
	r.norm.apply(x)
	xv := mat.NewVecDense(len(x), x)

	r.mu.Lock()
	var pre mat.VecDense
	pre.MulVec(r.wxh, xv)
	if h := r.state[fv.Symbol]; h != nil {
		var rec mat.VecDense
		rec.MulVec(r.whh, h)
		pre.AddVec(&pre, &rec)
	}
	pre.AddVec(&pre, r.bh)

	next := mat.NewVecDense(r.hidden, nil)
	for i := 0; i < r.hidden; i++ {
		next.SetVec(i, math.Tanh(pre.AtVec(i)))
	}
	r.state[fv.Symbol] = next
	r.mu.Unlock()

	var logits mat.VecDense
	logits.MulVec(r.why, next)
	logits.AddVec(&logits, r.by)

	probs := softmax([]float64{logits.AtVec(classBuy), logits.AtVec(classSell), logits.AtVec(classFlat)})
	sig, conf := classify(probs)
	return sig, conf, nil
}

// denseFrom converts a row-major nested array into a gonum matrix, checking
// the declared shape.
func denseFrom(rows [][]float64, wantRows, wantCols int) (*mat.Dense, error) {
	if len(rows) != wantRows {
		return nil, fmt.Errorf("have %d rows, want %d", len(rows), wantRows)
	}
	flat := make([]float64, 0, wantRows*wantCols)
	for i, row := range rows {
		if len(row) != wantCols {
			return nil, fmt.Errorf("row %d has %d cols, want %d", i, len(row), wantCols)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(wantRows, wantCols, flat), nil
}
