package producer

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Job is the JSON payload the demo producer puts on the queue.
type Job struct {
	JobID     string    `json:"job_id"`
	Producer  string    `json:"producer"`
	Sequence  int64     `json:"sequence"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Envelope pairs a job with the topic it is routed to.
type Envelope struct {
	Topic int64
	Job   Job
}

type Generator struct {
	rnd             *rand.Rand
	producerID      string
	firstTopic      int64
	topicCount      int
	userCardinality int
	sequence        int64
	now             func() time.Time
}

func NewGenerator(seed int64, producerID string, firstTopic int64, topicCount, userCardinality int) *Generator {
	if topicCount <= 0 {
		topicCount = 1
	}
	if userCardinality <= 0 {
		userCardinality = 1
	}
	return &Generator{
		rnd:             rand.New(rand.NewSource(seed)),
		producerID:      producerID,
		firstTopic:      firstTopic,
		topicCount:      topicCount,
		userCardinality: userCardinality,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) Next() Envelope {
	g.sequence++
	kind := g.pickKind()
	return Envelope{
		Topic: g.firstTopic + int64(g.rnd.Intn(g.topicCount)),
		Job: Job{
			JobID:     fmt.Sprintf("%s-%020d", g.producerID, g.sequence),
			Producer:  g.producerID,
			Sequence:  g.sequence,
			Kind:      kind,
			UserID:    fmt.Sprintf("user-%04d", g.rnd.Intn(g.userCardinality)+1),
			Amount:    g.pickAmount(kind),
			Currency:  "USD",
			CreatedAt: g.now(),
		},
	}
}

func (g *Generator) pickKind() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 50:
		return "send_email"
	case p < 75:
		return "resize_image"
	case p < 90:
		return "charge_card"
	default:
		return "refund"
	}
}

func (g *Generator) pickAmount(kind string) float64 {
	switch kind {
	case "charge_card":
		return round2(5 + g.rnd.Float64()*295)
	case "refund":
		return round2(1 + g.rnd.Float64()*99)
	default:
		return 0
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
