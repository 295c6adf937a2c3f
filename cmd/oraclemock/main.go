// oraclemock serves a chat-completions style endpoint that answers
// negotiation prompts with structurally valid payloads. It lets the
// full simulation loop run locally without a hosted model.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	positionRe = regexp.MustCompile(`position (\d+) of (\d+)`)
	rowLenRe   = regexp.MustCompile(`"matrixRow": \[(\d+) numbers\]`)
)

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func main() {
	var (
		addr = flag.String("addr", "127.0.0.1:8091", "listen address")
		seed = flag.Int64("seed", 1, "rng seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[oraclemock] ", log.LstdFlags)
	rng := rand.New(rand.NewSource(*seed))

	http.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		prompt := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}

		content := respond(prompt, rng)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	})

	logger.Printf("listening on %s", *addr)
	logger.Fatal(http.ListenAndServe(*addr, nil))
}

func respond(prompt string, rng *rand.Rand) string {
	if strings.Contains(prompt, "Synthesize ONE replacement") {
		return `{"name": "Adaptive Consensus Seeker", "description": "Open with a near-equal split, then shift share toward whichever coalition controls the most votes. Punish defectors for exactly one round, then reopen talks.", "reasoning": "Blends the cooperative and opportunistic tendencies of the weighted parents."}`
	}

	self, n := 0, 6
	if m := positionRe.FindStringSubmatch(prompt); m != nil {
		self, _ = strconv.Atoi(m[1])
		n, _ = strconv.Atoi(m[2])
	}
	width := 3 * n
	if m := rowLenRe.FindStringSubmatch(prompt); m != nil {
		if w, err := strconv.Atoi(m[1]); err == nil {
			width = w
			n = width / 3
		}
	}
	eliminated := strings.Contains(prompt, "You are ELIMINATED")

	row := make([]float64, width)
	if eliminated {
		for i := 0; i < n; i++ {
			row[i] = -1
			row[2*n+i] = -1
		}
		fillVotes(row[n:2*n], self, true, rng)
	} else {
		fillProposal(row[:n], self, rng)
		fillVotes(row[n:2*n], self, false, rng)
		for i := 0; i < n; i++ {
			row[2*n+i] = float64(10 + rng.Intn(20))
		}
		row[2*n+self] = 0
	}

	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprintf(`Here is my move. {"matrixRow": [%s], "explanation": "Holding a defensible share while courting the strongest voters."}`,
		strings.Join(parts, ", "))
}

// fillProposal gives self a healthy share and spreads the rest.
func fillProposal(sec []float64, self int, rng *rand.Rand) {
	n := len(sec)
	selfShare := 20 + rng.Intn(15)
	rest := 100 - selfShare
	for i := range sec {
		if i == self {
			sec[i] = float64(selfShare)
			continue
		}
		sec[i] = float64(rest / (n - 1))
	}
	// Push the integer remainder onto the first non-self entry.
	var sum float64
	for _, v := range sec {
		sum += v
	}
	for i := range sec {
		if i != self {
			sec[i] += 100 - sum
			break
		}
	}
}

func fillVotes(sec []float64, self int, eliminated bool, rng *rand.Rand) {
	n := len(sec)
	targets := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if eliminated && i == self {
			continue
		}
		targets = append(targets, i)
	}
	remaining := 100
	for k, i := range targets {
		if k == len(targets)-1 {
			sec[i] = float64(remaining)
			break
		}
		v := rng.Intn(remaining + 1)
		sec[i] = float64(v)
		remaining -= v
	}
}
