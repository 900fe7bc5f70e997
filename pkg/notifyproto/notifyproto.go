/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package notifyproto implements the sd_notify-style wire format used
// on the NOTIFY_SOCKET datagram: newline-terminated KEY=VALUE pairs,
// accumulated across datagrams until a full line is available.
package notifyproto

import (
	"strings"

	"github.com/containerd/log"
)

// Message is one parsed KEY=VALUE notification.
type Message struct {
	Key   string
	Value string
}

// Apply feeds newly received bytes into buffer and returns every
// complete line found, plus the remainder to keep buffering. Splitting
// is done on buffer content, never on the raw read, so a notification
// spanning two datagrams is handled correctly.
func Apply(buffer string, chunk []byte) (messages []Message, rest string) {
	buffer += string(chunk)

	for {
		i := strings.IndexByte(buffer, '\n')
		if i < 0 {
			break
		}
		line := buffer[:i]
		buffer = buffer[i+1:]
		if line == "" {
			continue
		}
		if m, ok := parseLine(line); ok {
			messages = append(messages, m)
		}
	}

	return messages, buffer
}

func parseLine(line string) (Message, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		log.L.Warnf("malformed notification line %q", line)
		return Message{}, false
	}
	return Message{Key: key, Value: value}, true
}

// IsReady reports whether m signals READY=1, the notification that
// promotes a Service from Starting to Running.
func IsReady(m Message) bool {
	return m.Key == "READY" && m.Value == "1"
}

// IsStatus reports whether m is a STATUS update, and returns its text.
func IsStatus(m Message) (string, bool) {
	if m.Key != "STATUS" {
		return "", false
	}
	return m.Value, true
}
