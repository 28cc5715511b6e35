// Package receiver accepts Pub/Sub push deliveries of mailbox change
// notifications, authenticates them and hands them to the pipeline.
//
// Every delivery must carry a valid Google-signed OIDC token for the
// configured audience; anything else is refused before the payload is even
// read. Undecodable payloads are acknowledged rather than rejected: the
// publisher would otherwise redeliver a payload that can never become
// valid. Processing itself happens asynchronously after the ack, since
// push delivery deadlines are far shorter than a pipeline run.
package receiver
