package search

import (
	"math"
	"strings"
)

// Okapi BM25 parameters
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Doc is one scored candidate's token bag
type bm25Doc struct {
	terms map[string]int
	len   int
}

// BM25Index scores documents against a whitespace-tokenized query. Built
// fresh per search over the candidate set; no persistence.
type BM25Index struct {
	docs   []bm25Doc
	df     map[string]int
	avgLen float64
}

// Tokenize lowercases and splits on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// NewBM25Index builds an index over the documents' normalized text.
func NewBM25Index(texts []string) *BM25Index {
	idx := &BM25Index{
		docs: make([]bm25Doc, 0, len(texts)),
		df:   make(map[string]int),
	}

	totalLen := 0
	for _, text := range texts {
		tokens := Tokenize(text)
		terms := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			terms[tok]++
		}
		for term := range terms {
			idx.df[term]++
		}
		idx.docs = append(idx.docs, bm25Doc{terms: terms, len: len(tokens)})
		totalLen += len(tokens)
	}
	if len(texts) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(texts))
	}
	return idx
}

// Score returns the BM25 score of document i against the query tokens.
func (idx *BM25Index) Score(i int, queryTokens []string) float64 {
	if i < 0 || i >= len(idx.docs) || idx.avgLen == 0 {
		return 0
	}
	doc := idx.docs[i]
	n := float64(len(idx.docs))

	var score float64
	for _, term := range queryTokens {
		tf := float64(doc.terms[term])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[term])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.len)/idx.avgLen))
		score += idf * norm
	}
	return score
}

// ScoreAll scores every document, returning raw BM25 values.
func (idx *BM25Index) ScoreAll(queryTokens []string) []float64 {
	scores := make([]float64, len(idx.docs))
	for i := range idx.docs {
		scores[i] = idx.Score(i, queryTokens)
	}
	return scores
}
