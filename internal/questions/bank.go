package questions

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// ErrCountOutOfRange is returned when more questions are requested than the
// bank holds, or fewer than one.
var ErrCountOutOfRange = errors.New("question count out of range")

// DefaultQuestions is the built-in screening bank.
var DefaultQuestions = []string{
	"Do you have any allergies to medications or other substances?",
	"Are you currently taking any medications or supplements?",
	"Have you experienced any recent weight loss or gain?",
	"Have you had any surgeries or hospitalizations in the past?",
	"Do you have a family history of any medical conditions, such as heart disease, diabetes, or cancer?",
	"How would you describe your sleep patterns? Do you have trouble falling asleep or staying asleep?",
	"Are you experiencing any pain or discomfort? If so, please describe the location and severity.",
	"Do you smoke, drink alcohol, or use any recreational substances?",
	"Do you have any digestive issues, such as nausea, heartburn, or changes in bowel movements?",
	"Have you noticed any unusual symptoms recently, such as fatigue, dizziness, or changes in appetite?",
}

// Bank samples distinct questions from a fixed list in random order.
type Bank struct {
	questions []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBank copies questions into a bank. A zero seed draws from a random
// source; any other seed makes the sampling reproducible.
func NewBank(questions []string, seed uint64) *Bank {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Bank{
		questions: append([]string(nil), questions...),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Size is the number of questions in the bank.
func (b *Bank) Size() int {
	return len(b.questions)
}

// SelectQuestions returns count distinct questions in shuffled order.
func (b *Bank) SelectQuestions(ctx context.Context, count int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count < 1 || count > len(b.questions) {
		return nil, fmt.Errorf("%w: requested %d, bank holds %d", ErrCountOutOfRange, count, len(b.questions))
	}

	b.mu.Lock()
	perm := b.rng.Perm(len(b.questions))
	b.mu.Unlock()

	selected := make([]string, count)
	for i := range selected {
		selected[i] = b.questions[perm[i]]
	}
	return selected, nil
}
