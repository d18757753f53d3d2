package lookup

import "testing"

func TestIdentifyRequiresNode(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	conn := "conn-1"
	if err := r.Identify(conn, "node-a", "10.0.0.1:5000", "1.0.0"); err == nil {
		t.Fatalf("expected error identifying an unregistered connection")
	}
}

func TestIdentifyThenDuplicateFails(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	if err := r.Identify("conn-1", "node-a", "10.0.0.1:5000", "1.0.0"); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if err := r.Identify("conn-1", "node-a", "10.0.0.1:5000", "1.0.0"); err == nil {
		t.Fatalf("expected AlreadyIdentified on second IDENTIFY")
	}
}

func TestIdentifyCollisionAcrossConnections(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	r.AddNode("conn-2")
	if err := r.Identify("conn-1", "node-a", "origin", "1.0.0"); err != nil {
		t.Fatalf("identify conn-1: %v", err)
	}
	if err := r.Identify("conn-2", "node-a", "origin", "1.0.0"); err == nil {
		t.Fatalf("expected IdentExists for duplicate name+origin")
	}
}

func TestAddJobRequiresIdentity(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	if err := r.AddJob("conn-1", "default.web"); err == nil {
		t.Fatalf("expected NoIdent before IDENTIFY")
	}
}

func TestAddJobTwiceFails(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	r.Identify("conn-1", "node-a", "origin", "1.0.0")

	if err := r.AddJob("conn-1", "default.web"); err != nil {
		t.Fatalf("add_job: %v", err)
	}
	if err := r.AddJob("conn-1", "default.web"); err == nil {
		t.Fatalf("expected AlreadyRegistered")
	}
}

func TestProcessLifecycleAndFindJob(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	r.Identify("conn-1", "node-a", "origin", "1.0.0")
	if err := r.AddJob("conn-1", "default.web"); err != nil {
		t.Fatalf("add_job: %v", err)
	}
	if err := r.AddProcess("conn-1", "default.web", 101); err != nil {
		t.Fatalf("add_process: %v", err)
	}

	found, err := r.FindJob("default.web")
	if err != nil {
		t.Fatalf("find_job: %v", err)
	}
	if len(found) != 1 || found[0].PIDs()[0] != 101 {
		t.Fatalf("unexpected find_job result: %#v", found)
	}

	if err := r.RemoveProcess("conn-1", "default.web", 101); err != nil {
		t.Fatalf("remove_process: %v", err)
	}
	found, _ = r.FindJob("default.web")
	if len(found[0].PIDs()) != 0 {
		t.Fatalf("expected no pids after remove_process")
	}

	r.RemoveJob("conn-1", "default.web")
	if _, err := r.FindJob("default.web"); err == nil {
		t.Fatalf("expected JobNotFound after remove_job")
	}
}

func TestRemoveNodeDropsItsJobs(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	r.Identify("conn-1", "node-a", "origin", "1.0.0")
	r.AddJob("conn-1", "default.web")

	r.RemoveNode("conn-1")
	if nodes := r.Nodes(); len(nodes) != 0 {
		t.Fatalf("expected no nodes after remove, got %d", len(nodes))
	}
	if _, err := r.FindJob("default.web"); err == nil {
		t.Fatalf("expected JobNotFound after node removal")
	}
}

func TestFindSessionAcrossNodes(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.AddNode("conn-1")
	r.AddNode("conn-2")
	r.Identify("conn-1", "node-a", "origin-a", "1.0.0")
	r.Identify("conn-2", "node-b", "origin-b", "1.0.0")
	r.AddJob("conn-1", "sess1.web")
	r.AddJob("conn-2", "sess1.worker")
	r.AddJob("conn-2", "sess2.worker")

	jobs := r.FindSession("sess1")
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs in sess1, got %d", len(jobs))
	}
}
