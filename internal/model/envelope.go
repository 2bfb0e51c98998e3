package model

// JobEnvelope is the payload published to Kafka (via Debezium outbox SMT) to
// hand a started bulk job to an executor.
type JobEnvelope struct {
	JobID      string `json:"job_id"`
	TenantID   int64  `json:"tenant_id"`
	LeaseToken string `json:"lease_token"`
}
