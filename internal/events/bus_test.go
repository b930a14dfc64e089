package events

import "testing"

func TestSubjects(t *testing.T) {
	if got := SubjectForSession("abc"); got != "drover.session.abc.>" {
		t.Errorf("got %s", got)
	}
	if got := SubjectForEvent("abc", EventTypeStatus); got != "drover.session.abc.status" {
		t.Errorf("got %s", got)
	}
	if got := SubjectForJob("j1"); got != "drover.jobs.j1" {
		t.Errorf("got %s", got)
	}
	if SubjectWarnings != "drover.warnings" {
		t.Errorf("got %s", SubjectWarnings)
	}
}
