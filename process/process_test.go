package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dnx-rtos/dnxcore/config"
	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
	"github.com/dnx-rtos/dnxcore/memheap"
	"github.com/dnx-rtos/dnxcore/monitor"
	"github.com/dnx-rtos/dnxcore/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, heapSize int64) (*Manager, *kernel.Scheduler) {
	t.Helper()
	sched := kernel.New(config.New(config.PriorityLevelsOption(4)))
	t.Cleanup(sched.Close)
	heap := memheap.New(heapSize, 4)
	mon := monitor.New(sched, heap)
	v := vfs.New(0, mon)
	reg := NewRegistry()
	return NewManager(sched, heap, v, mon, reg), sched
}

func rootContext() context.Context {
	return context.Background()
}

func TestSpawnMissingProgramIsEnoent(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	_, err := m.Spawn(rootContext(), "nope", SpawnOptions{StackWords: 512})
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestSpawnMalformedArgvIsEinval(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name:       "echo",
		Entry:      func(context.Context, int, []string) int { return 0 },
		StackDepth: 512,
	}))
	_, err := m.Spawn(rootContext(), "echo", SpawnOptions{Cmdline: `"unterminated`, StackWords: 512})
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestSpawnWaitRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	var gotArgc int
	var gotArgv []string
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name: "greet",
		Entry: func(ctx context.Context, argc int, av []string) int {
			gotArgc, gotArgv = argc, av
			return 7
		},
		GlobalsSize: 32,
		StackDepth:  512,
	}))

	id, err := m.Spawn(rootContext(), "greet", SpawnOptions{Cmdline: "hello world", StackWords: 512})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	code, err := m.Wait(rootContext(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, 3, gotArgc)
	assert.Equal(t, []string{"greet", "hello", "world"}, gotArgv)
}

func TestSpawnArgvIncludesProgramNameAndHonorsQuoting(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	var gotArgc int
	var gotArgv []string
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name: "echo",
		Entry: func(ctx context.Context, argc int, av []string) int {
			gotArgc, gotArgv = argc, av
			return 0
		},
		StackDepth: 512,
	}))

	id, err := m.Spawn(rootContext(), "echo", SpawnOptions{
		Cmdline:    `hello world 'quoted arg' "two words"`,
		StackWords: 512,
	})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	code, err := m.Wait(rootContext(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 5, gotArgc)
	assert.Equal(t, []string{"echo", "hello", "world", "quoted arg", "two words"}, gotArgv)
}

// mustProcessForTest recovers the *Process the trampoline attached to
// its own TaskContext, the same way a program looks up its own
// descriptor via GetData.
func (m *Manager) mustProcessForTest(t *testing.T, id kernel.TaskID) *Process {
	t.Helper()
	for i := 0; i < 100; i++ {
		if tc, ok := m.sched.TaskContextOf(id); ok {
			if p, ok := tc.GetData().(*Process); ok {
				return p
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("process descriptor never attached")
	return nil
}

func TestSpawnOutOfMemoryRollsBackAndReportsEnomem(t *testing.T) {
	m, _ := newTestManager(t, 8) // heap far too small for globals
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name:        "big",
		Entry:       func(context.Context, int, []string) int { return 0 },
		GlobalsSize: 4096,
		StackDepth:  512,
	}))

	before := m.heap
	_, free0, used0 := before.Total()

	_, err := m.Spawn(rootContext(), "big", SpawnOptions{StackWords: 512})
	assert.ErrorIs(t, err, errno.ENOMEM)

	_, free1, used1 := before.Total()
	assert.Equal(t, free0, free1)
	assert.Equal(t, used0, used1)
}

func TestKillSetsKilledExitCode(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	release := make(chan struct{})
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name: "sleeper",
		Entry: func(ctx context.Context, argc int, av []string) int {
			<-release
			return 0
		},
		StackDepth: 512,
	}))

	id, err := m.Spawn(rootContext(), "sleeper", SpawnOptions{StackWords: 512})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	require.NoError(t, m.Kill(p))
	close(release)

	code, err := m.Wait(rootContext(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, kernel.KilledExitCode, code)
}

func TestDetachedProcessDoesNotRequireWait(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name: "fireforget",
		Entry: func(context.Context, int, []string) int {
			wg.Done()
			return 0
		},
		StackDepth: 512,
	}))

	_, err := m.Spawn(rootContext(), "fireforget", SpawnOptions{Detached: true, StackWords: 512})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached program never ran")
	}
}

func TestWaitTwiceReturnsEsrchSecondTime(t *testing.T) {
	m, _ := newTestManager(t, 1<<16)
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name:       "quick",
		Entry:      func(context.Context, int, []string) int { return 3 },
		StackDepth: 512,
	}))

	id, err := m.Spawn(rootContext(), "quick", SpawnOptions{StackWords: 512})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	_, err = m.Wait(rootContext(), p, time.Second)
	require.NoError(t, err)

	_, err = m.Wait(rootContext(), p, time.Second)
	assert.ErrorIs(t, err, errno.ESRCH)
}

func TestSpawnThreadSharesCwdAndJoinReturnsExitCode(t *testing.T) {
	m, sched := newTestManager(t, 1<<16)
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name:       "parent",
		Entry:      func(context.Context, int, []string) int { return 0 },
		StackDepth: 512,
	}))

	id, err := m.Spawn(rootContext(), "parent", SpawnOptions{StackWords: 512})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	parentTC, _ := sched.TaskContextOf(id)
	parentTC.SetCwd("/home/parent")
	parentCtx := kernel.WithTask(rootContext(), parentTC)

	var observedCwd string
	done := make(chan struct{})
	threadID, err := m.SpawnThread(parentCtx, p, func(ctx context.Context) {
		observedCwd = kernel.FromContext(ctx).Cwd()
		close(done)
	}, ThreadOptions{StackWords: 512})
	require.NoError(t, err)

	<-done
	_, err = m.Join(threadID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/home/parent", observedCwd)
}

func TestJoinTimesOutWhenThreadNeverExits(t *testing.T) {
	m, sched := newTestManager(t, 1<<16)
	require.NoError(t, m.registry.Register(ProgramInfo{
		Name:       "parent",
		Entry:      func(context.Context, int, []string) int { return 0 },
		StackDepth: 512,
	}))
	id, err := m.Spawn(rootContext(), "parent", SpawnOptions{StackWords: 512})
	require.NoError(t, err)
	p := m.mustProcessForTest(t, id)

	parentTC, _ := sched.TaskContextOf(id)
	parentCtx := kernel.WithTask(rootContext(), parentTC)

	block := make(chan struct{})
	threadID, err := m.SpawnThread(parentCtx, p, func(ctx context.Context) {
		<-block
	}, ThreadOptions{StackWords: 512})
	require.NoError(t, err)

	_, err = m.Join(threadID, 20*time.Millisecond)
	assert.ErrorIs(t, err, errno.EAGAIN)
	close(block)
}
