package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

type fakeDocker struct {
	containers []types.Container
	inspect    map[string]types.ContainerJSON
	failFirst  int // number of ContainerRestart calls that fail before succeeding
	restarts   []string
	stops      []string
	starts     []string
	lastFilter string
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.lastFilter = strings.Join(opts.Filters.Get("label"), ",")
	return f.containers, nil
}

func (f *fakeDocker) ContainerRestart(_ context.Context, id string, _ container.StopOptions) error {
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("connection reset")
	}
	f.restarts = append(f.restarts, id)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.starts = append(f.starts, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	return f.inspect[id], nil
}

func newTestDocker(api containerAPI) *Docker {
	d := newDocker(api, nil)
	d.retry.InitialDelay = time.Millisecond
	d.retry.MaxDelay = time.Millisecond
	return d
}

func inspectWith(running bool, health string) types.ContainerJSON {
	st := &types.ContainerState{Running: running}
	if health != "" {
		st.Health = &types.Health{Status: health}
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: st}}
}

func TestDocker_RestartRetriesTransient(t *testing.T) {
	f := &fakeDocker{
		containers: []types.Container{{ID: "bbb"}, {ID: "aaa"}},
		failFirst:  1,
	}
	d := newTestDocker(f)

	out, err := d.Execute(context.Background(), Step{Type: "restart"}, Request{Project: "JUDO"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.lastFilter != LabelProject+"=JUDO" {
		t.Errorf("label filter = %q", f.lastFilter)
	}
	if strings.Join(f.restarts, ",") != "aaa,bbb" {
		t.Errorf("restarts = %v, want [aaa bbb]", f.restarts)
	}
	if !strings.Contains(out.Output, "2 container(s)") {
		t.Errorf("output = %q", out.Output)
	}
}

func TestDocker_StopStart(t *testing.T) {
	f := &fakeDocker{containers: []types.Container{{ID: "c1"}}}
	d := newTestDocker(f)
	ctx := context.Background()

	if _, err := d.Execute(ctx, Step{Type: "stop"}, Request{Project: "SUMO"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := d.Execute(ctx, Step{Type: "start"}, Request{Project: "SUMO"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(f.stops) != 1 || len(f.starts) != 1 {
		t.Errorf("stops=%v starts=%v", f.stops, f.starts)
	}
}

func TestDocker_Errors(t *testing.T) {
	d := newTestDocker(&fakeDocker{})
	ctx := context.Background()

	if _, err := d.Execute(ctx, Step{Type: "restart"}, Request{}); err == nil {
		t.Error("expected error without project")
	}
	if _, err := d.Execute(ctx, Step{Type: "restart"}, Request{Project: "JUDO"}); !errors.Is(err, ErrNoContainers) {
		t.Errorf("expected ErrNoContainers, got %v", err)
	}

	d = newTestDocker(&fakeDocker{containers: []types.Container{{ID: "c1"}}})
	if _, err := d.Execute(ctx, Step{Type: "deploy"}, Request{Project: "JUDO"}); err == nil {
		t.Error("expected error for unsupported step type")
	}
}

func TestDocker_HealthCheck(t *testing.T) {
	f := &fakeDocker{
		containers: []types.Container{{ID: "ok1"}, {ID: "sick"}},
		inspect: map[string]types.ContainerJSON{
			"ok1":  inspectWith(true, "healthy"),
			"sick": inspectWith(true, "unhealthy"),
		},
	}
	d := newTestDocker(f)
	_, err := d.Execute(context.Background(), Step{Type: "health_check"}, Request{Project: "JUDO"})
	if err == nil || !strings.Contains(err.Error(), "sick") {
		t.Fatalf("expected unhealthy error naming sick, got %v", err)
	}

	f.inspect["sick"] = inspectWith(true, "")
	if _, err := d.Execute(context.Background(), Step{Type: "health_check"}, Request{Project: "JUDO"}); err != nil {
		t.Fatalf("health_check: %v", err)
	}
}

func TestHealthy(t *testing.T) {
	cases := []struct {
		name string
		in   types.ContainerJSON
		want bool
	}{
		{"no base", types.ContainerJSON{}, false},
		{"stopped", inspectWith(false, ""), false},
		{"running no healthcheck", inspectWith(true, ""), true},
		{"starting", inspectWith(true, "starting"), false},
		{"healthy", inspectWith(true, "healthy"), true},
	}
	for _, tc := range cases {
		if got := healthy(tc.in); got != tc.want {
			t.Errorf("%s: healthy = %v, want %v", tc.name, got, tc.want)
		}
	}
}
