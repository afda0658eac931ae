// Package smtpfront is the alternate front end (§4.G): it speaks SMTP
// directly to whatever hands it connections, in place of the milter
// protocol the milter package implements. It parses the same command
// grammar and reply codes the module's SMTP-server teacher code used for
// full mail delivery, trimmed to only what a policy-evaluating gateway
// needs: HELO/EHLO, MAIL FROM, RCPT TO, DATA, RSET, NOOP, QUIT. It never
// queues or relays a message; every transaction ends in an SMTP reply
// derived from the pipeline's Disposition, and the connection resets for
// the next MAIL FROM.
package smtpfront
