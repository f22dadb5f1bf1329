// Package client is the Go SDK for the evidence submission service.
//
// # Submitting evidence
//
// A submission is a content hash signed by the submitter's key. The server
// recovers the signer, records the hash on the ledger and stores the record:
//
//	signer, err := client.LoadSigner(os.ExpandEnv("$HOME/.evidence/key.hex"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hash, _ := client.HashFile("photo.jpg")
//	req, _ := signer.NewSubmission(hash, client.Metadata{
//	    "name":        "photo.jpg",
//	    "case_number": "CASE-2024-001",
//	})
//
//	c := client.MustNew("http://localhost:8080")
//	res, err := c.SubmitEvidence(ctx, req)
//
// A failed submission returns an *APIError. When APIError.Retryable reports
// true, send the same request again: the request id makes the retry safe.
//
// # Following the change feed
//
// Watch streams every record of a kind, the existing ones first, and
// reconnects on its own when the server drops a slow stream:
//
//	err := c.Watch(ctx, "evidence", func(e client.FeedEvent) error {
//	    rec, err := client.DecodeEvidence(e)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(rec.ContentHash)
//	    return nil
//	})
package client
