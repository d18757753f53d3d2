package hub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gaffer-run/gaffer/pkg/events"
	"github.com/gaffer-run/gaffer/pkg/gafferr"
	"github.com/gaffer-run/gaffer/pkg/manager"
)

// topicKey parses a remote subscription address of the form
// "<SOURCE>[:<target>]" (spec section 4.5).
type topicKey struct {
	raw    string
	source string
	target string
}

func parseTopicKey(addr string) topicKey {
	source, target, found := strings.Cut(addr, ":")
	if !found {
		target = ""
	}
	return topicKey{raw: addr, source: strings.ToUpper(source), target: target}
}

func splitFQ(fq string) (session, name string) {
	session, name, found := strings.Cut(fq, ".")
	if !found {
		return "", fq
	}
	return session, name
}

// activation holds the teardown hook for one active topic's underlying
// monitor.
type activation struct {
	refs    int
	deactiv func()
}

// activateTopic wires up the real monitor behind a topic key the first time
// it's subscribed to. deliver is called with the raw event args for
// every matching publication.
func activateTopic(m *manager.Manager, authz Authorizer, key topicKey, deliver func(topic string, args ...interface{})) (func(), error) {
	switch key.source {
	case "EVENTS":
		if !authz.CanManageAll() {
			return nil, gafferr.ForbiddenTopic("EVENTS subscription requires manage-all capability")
		}
		prefix := key.target
		if prefix == "" {
			prefix = events.Wildcard
		}
		sub := m.Events.Subscribe(prefix, deliver)
		return func() { m.Events.Unsubscribe(sub) }, nil

	case "JOB":
		fq := key.target
		if fq == "" {
			return nil, gafferr.TopicError("JOB subscription requires a job name target")
		}
		if !authz.CanRead(fq) {
			return nil, gafferr.ForbiddenTopic(fmt.Sprintf("not permitted to read job %q", fq))
		}
		sub := m.Events.Subscribe("job."+fq, deliver)
		return func() { m.Events.Unsubscribe(sub) }, nil

	case "PROCESS":
		pid, err := strconv.Atoi(key.target)
		if err != nil {
			return nil, gafferr.TopicError("PROCESS subscription requires a numeric pid target")
		}
		if !authz.CanManageAll() {
			return nil, gafferr.ForbiddenTopic("PROCESS subscription requires manage-all capability")
		}
		sub := m.Events.Subscribe(events.Wildcard, func(topic string, args ...interface{}) {
			if pidMatches(pid, args) {
				deliver(topic, args...)
			}
		})
		return func() { m.Events.Unsubscribe(sub) }, nil

	case "STATS":
		return activateStats(m, authz, key, deliver)

	case "STREAM":
		return activateStream(m, authz, key, deliver)

	default:
		return nil, gafferr.TopicError("unrecognized topic source %q", key.source)
	}
}

func activateStats(m *manager.Manager, authz Authorizer, key topicKey, deliver func(string, ...interface{})) (func(), error) {
	if pid, err := strconv.Atoi(key.target); err == nil {
		if !authz.CanManageAll() {
			return nil, gafferr.ForbiddenTopic("STATS subscription requires manage-all capability")
		}
		p, err := m.LookupProcess(pid)
		if err != nil {
			return nil, err
		}
		sub := p.Monitor(deliver)
		return func() { p.Unmonitor(sub) }, nil
	}

	fq := key.target
	if !authz.CanRead(fq) {
		return nil, gafferr.ForbiddenTopic(fmt.Sprintf("not permitted to read job %q", fq))
	}
	session, name := splitFQ(fq)
	jm, err := m.MonitorJob(session, name, deliver)
	if err != nil {
		return nil, err
	}
	return jm.Stop, nil
}

func activateStream(m *manager.Manager, authz Authorizer, key topicKey, deliver func(string, ...interface{})) (func(), error) {
	pidStr, label, _ := strings.Cut(key.target, ".")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, gafferr.TopicError("STREAM subscription requires a pid target")
	}
	if !authz.CanManageAll() {
		return nil, gafferr.ForbiddenTopic("STREAM subscription requires manage-all capability")
	}
	p, err := m.LookupProcess(pid)
	if err != nil {
		return nil, err
	}
	if label == "" {
		labels := p.Config.RedirectOutput
		if len(labels) == 0 {
			return nil, gafferr.StreamNotFound("stdout")
		}
		label = labels[0]
	}
	sub := p.MonitorIO(label, deliver)
	return func() { p.Unmonitor(sub) }, nil
}

func pidMatches(pid int, args []interface{}) bool {
	for _, a := range args {
		if v, ok := a.(int); ok && v == pid {
			return true
		}
	}
	return false
}
