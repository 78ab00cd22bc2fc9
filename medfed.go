// Package medfed implements the per-round aggregation and trust engine of a
// privacy-preserving federated learning system for independent institutions.
//
// Participants train locally and submit model updates consisting of a noised
// plaintext body delta and a CKKS-encrypted classifier head. The engine
// collects submissions for a round, validates declared differential-privacy
// noise against a cumulative budget, fuses the updates into a consensus
// vector using the weighted geometric median (robust to a Byzantine minority),
// scores each participant's deviation from consensus, and persists round
// metrics and trust scores.
//
// Transport between participants and the coordinator, the local training
// loops, and the monitoring dashboard are external to this package; the
// engine exposes Submit and a read-only query surface toward them.
package medfed

// Version is the engine version reported in stats.
const Version = "0.4.1"
