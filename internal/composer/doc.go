// Package composer turns an inbound message plus retrieved knowledge-base
// passages into a reply draft candidate.
//
// The prompt is assembled from a fixed system instruction (persona, tone,
// forbidden claims), the passages annotated with provenance, and the
// sanitized incoming message. The generative model is invoked with a bounded
// timeout; its output then passes a policy scan. A block-severity finding
// suppresses the draft entirely and surfaces as faults.ErrSafetyViolation;
// the candidate body is never logged.
//
// Subjects are deterministic regardless of model output: exactly one "Re: "
// prefix on the original subject.
package composer
