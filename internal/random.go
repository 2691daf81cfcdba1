package internal

import (
	"math/rand"
	"sync"
	"time"
)

const payloadLayout = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var payloadRand = struct {
	sync.Mutex
	r *rand.Rand
}{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

// RandomPayload returns n alphanumeric bytes for test messages; protocol
// randomness (mask and challenge keys) comes from crypto/rand instead, see
// NewMaskKey and NewChallengeKey
func RandomPayload(n int) []byte {
	payloadRand.Lock()
	var b = make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = payloadLayout[payloadRand.r.Intn(len(payloadLayout))]
	}
	payloadRand.Unlock()
	return b
}
