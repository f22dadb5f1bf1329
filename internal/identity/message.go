package identity

// MessageVersion identifies the submission message template below. Signer
// tooling and the verifier must agree on it; any drift silently recovers a
// different address instead of failing.
const MessageVersion = "v1"

// submissionPrefix is the v1 template prefix.
const submissionPrefix = "Submit evidence: "

// SubmissionMessage returns the exact message a submitter signs to authorize
// recording contentHash.
func SubmissionMessage(contentHash string) string {
	return submissionPrefix + contentHash
}
