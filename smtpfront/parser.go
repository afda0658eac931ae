package smtpfront

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// parseCommand splits a command line into verb and arguments, adapted
// from the teacher's parser with the verb set trimmed to this package's
// Command constants.
func parseCommand(line string) (cmd Command, args string, err error) {
	before, after, found := strings.Cut(line, " ")
	if !found {
		cmd, err = canonicalizeVerb(before)
		return cmd, "", err
	}
	cmd, err = canonicalizeVerb(before)
	return cmd, strings.TrimSpace(after), err
}

func canonicalizeVerb(verb string) (Command, error) {
	switch len(verb) {
	case 4:
		switch {
		case strings.EqualFold(verb, "HELO"):
			return CmdHelo, nil
		case strings.EqualFold(verb, "EHLO"):
			return CmdEhlo, nil
		case strings.EqualFold(verb, "MAIL"):
			return CmdMail, nil
		case strings.EqualFold(verb, "RCPT"):
			return CmdRcpt, nil
		case strings.EqualFold(verb, "DATA"):
			return CmdData, nil
		case strings.EqualFold(verb, "BDAT"):
			return CmdBdat, nil
		case strings.EqualFold(verb, "RSET"):
			return CmdRset, nil
		case strings.EqualFold(verb, "VRFY"):
			return CmdVrfy, nil
		case strings.EqualFold(verb, "EXPN"):
			return CmdExpn, nil
		case strings.EqualFold(verb, "NOOP"):
			return CmdNoop, nil
		case strings.EqualFold(verb, "QUIT"):
			return CmdQuit, nil
		case strings.EqualFold(verb, "AUTH"):
			return CmdAuth, nil
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return CmdStartTLS, nil
		}
	}
	return "", fmt.Errorf("unknown command: %s", verb)
}

// parsePathWithParams parses an address path with optional ESMTP
// parameters, e.g. "<bob@example.com> SIZE=1024". Per RFC 3461 §4.5,
// duplicate parameters are rejected. Returns addr == "" for a null
// path ("<>"), valid for MAIL FROM's bounce-reverse-path case.
func parsePathWithParams(s string) (addr string, params map[string]string, err error) {
	start := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if start == -1 || end == -1 || end < start {
		return "", nil, errors.New("missing angle brackets")
	}

	address := s[start+1 : end]
	if address != "" {
		if _, perr := mail.ParseAddress(address); perr != nil {
			return "", nil, fmt.Errorf("invalid address: %w", perr)
		}
	}

	paramStr := strings.TrimSpace(s[end+1:])
	if paramStr != "" {
		params = make(map[string]string)
		for _, param := range strings.Fields(paramStr) {
			var key, value string
			if before, after, found := strings.Cut(param, "="); found {
				key, value = strings.ToUpper(before), after
			} else {
				key = strings.ToUpper(param)
			}
			if _, exists := params[key]; exists {
				return "", nil, fmt.Errorf("duplicate parameter: %s", key)
			}
			params[key] = value
		}
	}
	return address, params, nil
}
