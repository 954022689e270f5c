package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Handlers receives dispatched verbs. The manager package implements this
// interface; protocol itself knows nothing about tasks, workers, or
// categories, only wire framing. Every method returns an error only for
// transport-level problems (a malformed line); application-level outcomes
// (e.g. "task unknown") are handled internally by the implementation and
// never propagated as an error; unrecognized lines are handed to
// OnUnknown rather than rejected.
type Handlers interface {
	OnDataswarm(conn *Conn, protocolVersion, host, os, arch, version string) error
	OnInfo(conn *Conn, field, value string) error
	OnResource(conn *Conn, kind string, fields []string) error
	OnFeature(conn *Conn, name string) error
	OnCacheUpdate(conn *Conn, name string, size, ttime int64) error
	OnCacheInvalid(conn *Conn, name string, errText string) error
	OnTransferAddress(conn *Conn, addr string, port int) error
	OnResult(conn *Conn, status string, exitCode int, execUS int64, taskID int64, output []byte) error
	OnUpdate(conn *Conn, taskID int64, path string, offset, length int64, payload []byte) error
	OnAvailableResults(conn *Conn) error
	OnStatusRequest(conn *Conn, verb string) error
	OnUnknown(conn *Conn, line string) error
}

// PayloadLen reports how many raw bytes trail a line before the next
// newline-delimited line resumes (result's captured output, update's
// streamed chunk, cache-invalid's error text). The caller must read exactly
// this many bytes off the same connection, in the same goroutine that read
// line, before handing either off elsewhere: Dispatch no longer reads the
// connection itself, since readLoop's goroutine may be the only one
// interacting with the socket.
func PayloadLen(line string) int {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0
	}
	switch fields[0] {
	case VerbResult:
		if len(fields) == 6 {
			if n, err := strconv.ParseInt(fields[3], 10, 64); err == nil && n > 0 {
				return int(n)
			}
		}
	case VerbUpdate:
		if len(fields) == 5 {
			if n, err := strconv.ParseInt(fields[4], 10, 64); err == nil && n > 0 {
				return int(n)
			}
		}
	case VerbCacheInvalid:
		if len(fields) == 3 {
			if n, err := strconv.Atoi(fields[2]); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// Dispatch parses one line received from a worker and calls the matching
// Handlers method. payload must be exactly the bytes PayloadLen(line) said
// to expect, pre-read by the caller from the same connection.
func Dispatch(conn *Conn, line string, payload []byte, h Handlers) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := fields[0]

	switch verb {
	case VerbDataswarm:
		if len(fields) != 6 {
			return fmt.Errorf("malformed dataswarm line")
		}
		return h.OnDataswarm(conn, fields[1], fields[2], fields[3], fields[4], fields[5])

	case VerbInfo:
		if len(fields) < 2 {
			return fmt.Errorf("malformed info line")
		}
		value := ""
		if len(fields) > 2 {
			value = strings.Join(fields[2:], " ")
		}
		return h.OnInfo(conn, fields[1], value)

	case VerbResource:
		if len(fields) < 2 {
			return fmt.Errorf("malformed resource line")
		}
		return h.OnResource(conn, fields[1], fields[2:])

	case VerbFeature:
		if len(fields) != 2 {
			return fmt.Errorf("malformed feature line")
		}
		name, err := url.QueryUnescape(fields[1])
		if err != nil {
			name = fields[1]
		}
		return h.OnFeature(conn, name)

	case VerbCacheUpdate:
		if len(fields) != 4 {
			return fmt.Errorf("malformed cache-update line")
		}
		size, err1 := strconv.ParseInt(fields[2], 10, 64)
		ttime, err2 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("malformed cache-update numeric fields")
		}
		return h.OnCacheUpdate(conn, fields[1], size, ttime)

	case VerbCacheInvalid:
		if len(fields) != 3 {
			return fmt.Errorf("malformed cache-invalid line")
		}
		if _, err := strconv.Atoi(fields[2]); err != nil {
			return fmt.Errorf("malformed cache-invalid length")
		}
		return h.OnCacheInvalid(conn, fields[1], string(payload))

	case VerbTransferAddress:
		if len(fields) != 3 {
			return fmt.Errorf("malformed transfer-address line")
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("malformed transfer-address port")
		}
		return h.OnTransferAddress(conn, fields[1], port)

	case VerbResult:
		if len(fields) != 6 {
			return fmt.Errorf("malformed result line")
		}
		exitCode, e1 := strconv.Atoi(fields[2])
		_, e2 := strconv.ParseInt(fields[3], 10, 64)
		execUS, e3 := strconv.ParseInt(fields[4], 10, 64)
		taskID, e4 := strconv.ParseInt(fields[5], 10, 64)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return fmt.Errorf("malformed result numeric fields")
		}
		output := payload
		if int64(len(output)) > OutputMax {
			output = output[:OutputMax]
		}
		return h.OnResult(conn, fields[1], exitCode, execUS, taskID, output)

	case VerbUpdate:
		if len(fields) != 5 {
			return fmt.Errorf("malformed update line")
		}
		taskID, e1 := strconv.ParseInt(fields[1], 10, 64)
		offset, e2 := strconv.ParseInt(fields[3], 10, 64)
		length, e3 := strconv.ParseInt(fields[4], 10, 64)
		if e1 != nil || e2 != nil || e3 != nil {
			return fmt.Errorf("malformed update numeric fields")
		}
		return h.OnUpdate(conn, taskID, fields[2], offset, length, payload)

	case VerbAvailableResults:
		return h.OnAvailableResults(conn)

	default:
		if StatusVerbs[verb] {
			return h.OnStatusRequest(conn, verb)
		}
		return h.OnUnknown(conn, line)
	}
}
