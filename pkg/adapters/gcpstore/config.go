package gcpstore

// Config names the GCP resources backing the adapter set. Firestore
// collection names are fixed; only the project and baseline bucket vary
// per deployment.
type Config struct {
	ProjectID      string
	BaselineBucket string
	BaselinePrefix string
}
