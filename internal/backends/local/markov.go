package local

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/joelklabo/autoblog/internal/core"
)

// defaultMarkovTokens caps output when the caller sets no limit.
const defaultMarkovTokens = 256

type bigram [2]string

// markovModel is an order-2 word chain trained on a corpus file.
type markovModel struct {
	next   map[bigram][]string
	starts []bigram
}

func loadMarkov(path string) (Model, error) {
	if path == "" {
		return nil, errors.New("markov model needs a corpus path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return trainMarkov(string(data))
}

func trainMarkov(corpus string) (*markovModel, error) {
	toks := Tokenize(corpus)
	if len(toks) < 3 {
		return nil, errors.New("corpus too small")
	}
	m := &markovModel{next: make(map[bigram][]string)}
	seen := make(map[bigram]bool)
	for i := 0; i+2 < len(toks); i++ {
		k := bigram{toks[i], toks[i+1]}
		if !seen[k] {
			seen[k] = true
			m.starts = append(m.starts, k)
		}
		m.next[k] = append(m.next[k], toks[i+2])
	}
	return m, nil
}

func seedOf(prompt string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum64()
}

// Generate walks the chain from the prompt's last two words when the corpus
// knows them, otherwise from a start picked by the prompt-seeded PRNG. The
// same prompt always yields the same text.
func (m *markovModel) Generate(prompt string, maxTokens int) core.GeneratedText {
	limit := maxTokens
	if limit <= 0 {
		limit = defaultMarkovTokens
	}
	rng := rand.New(rand.NewPCG(seedOf(prompt), 0))

	cur := m.starts[rng.IntN(len(m.starts))]
	if p := Tokenize(prompt); len(p) >= 2 {
		if k := (bigram{p[len(p)-2], p[len(p)-1]}); len(m.next[k]) > 0 {
			cur = k
		}
	}

	out := []string{cur[0], cur[1]}
	for len(out) < limit {
		cands := m.next[cur]
		if len(cands) == 0 {
			break
		}
		w := cands[rng.IntN(len(cands))]
		out = append(out, w)
		cur = bigram{cur[1], w}
	}
	truncated := len(out) >= limit && len(m.next[cur]) > 0
	if len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return core.GeneratedText{Text: strings.Join(out, " "), Tokens: len(out), Truncated: truncated}
}
