// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "my": true, "me": true,
	"on": true, "at": true, "for": true, "of": true, "in": true, "with": true,
	"and": true, "or": true, "is": true, "are": true, "what": true, "please": true,
	"i": true, "you": true, "it": true, "this": true, "that": true, "from": true,
	"can": true, "could": true, "would": true, "be": true, "some": true, "all": true,
}

// KeywordScorer scores by token overlap. For each utterance it computes the
// fraction of the utterance's content words present in the query and returns
// the best fraction. It needs no network and is fully deterministic.
type KeywordScorer struct{}

// Score implements Scorer.
func (KeywordScorer) Score(_ context.Context, query string, utterances []string) (float64, error) {
	q := tokenSet(query)
	if len(q) == 0 {
		return 0, nil
	}
	best := 0.0
	for _, u := range utterances {
		toks := tokenSet(u)
		if len(toks) == 0 {
			continue
		}
		hit := 0
		for t := range toks {
			if q[t] {
				hit++
			}
		}
		if s := float64(hit) / float64(len(toks)); s > best {
			best = s
		}
	}
	return best, nil
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		set[stem(f)] = true
	}
	return set
}

// stem strips common English suffixes so "meetings", "meeting" and "meet"
// compare equal. It is deliberately crude; both sides go through it.
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		w = w[:len(w)-1]
	}
	switch {
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		w = w[:len(w)-3]
	case len(w) > 4 && strings.HasSuffix(w, "ed"):
		w = w[:len(w)-2]
	}
	if len(w) > 3 && strings.HasSuffix(w, "e") {
		w = w[:len(w)-1]
	}
	return w
}
