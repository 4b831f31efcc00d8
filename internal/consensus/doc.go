// Package consensus resolves generation decisions that benefit from multiple
// independent samples: categorical values by majority vote against a quorum
// threshold, numeric values by median. Transient provider failures are
// retried with exponential backoff before counting as non-votes.
package consensus
