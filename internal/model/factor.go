package model

// EmissionFactor is a knowledge-base record with a precomputed embedding.
// Factors are owned by the knowledge base and read-only to the pipeline.
type EmissionFactor struct {
	ID        int64     `json:"id"`
	Activity  string    `json:"activity"`
	Fuel      string    `json:"fuel,omitempty"`
	Country   string    `json:"country,omitempty"`
	Gas       string    `json:"gas,omitempty"`
	Value     float64   `json:"value"` // factor value, kg CO2e per unit
	Unit      string    `json:"unit"`
	Source    string    `json:"source"`
	Scope     int       `json:"scope"`
	Embedding []float32 `json:"-"`
}

// Candidate pairs a factor with its similarity to a query. Candidates
// exist only during retrieval and are never persisted.
type Candidate struct {
	Factor     EmissionFactor `json:"factor"`
	Similarity float64        `json:"similarity"`
}
