package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.Stream = Mode{Width: 64, Height: 48, FPS: 30}
	s.Snapshot = Mode{Width: 128, Height: 96}
	s.Warmup = 20 * time.Millisecond
	return s
}

func newTestController(t *testing.T, driver *FakeDriver) *Controller {
	t.Helper()
	c := NewController(driver, testSettings(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestController_InitialState(t *testing.T) {
	c := newTestController(t, &FakeDriver{})

	assert.False(t, c.IsRunning())
	assert.Equal(t, StateUnstarted, c.State())
	assert.NoError(t, c.Stop(), "Stop before Start is a no-op")
	assert.Equal(t, StateUnstarted, c.State())
}

func TestController_StartStop(t *testing.T) {
	driver := &FakeDriver{}
	c := newTestController(t, driver)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
	assert.Equal(t, StateRunning, c.State())

	dev := driver.Encoding()
	require.NotNil(t, dev)
	assert.Equal(t, testSettings().Stream, dev.Mode())
	assert.Equal(t, AutofocusContinuous, dev.Autofocus())

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, dev.Closed())
	assert.Empty(t, driver.Active())

	assert.NoError(t, c.Stop(), "second Stop is a no-op")
}

func TestController_StartTwiceKeepsOneSession(t *testing.T) {
	driver := &FakeDriver{}
	c := newTestController(t, driver)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, 1, driver.Opened())
	assert.Len(t, driver.Active(), 1)
	assert.True(t, c.IsRunning())
}

func TestController_FramesReachSubscribers(t *testing.T) {
	driver := &FakeDriver{}
	c := newTestController(t, driver)
	require.NoError(t, c.Start(context.Background()))

	sub := c.Frames().Subscribe()
	require.NoError(t, driver.Encoding().Emit(jpegOf("live")))

	frame, err := sub.Read(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, jpegOf("live"), frame.Data)
}

func TestController_InitFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		driver *FakeDriver
		op     string
	}{
		{name: "open", driver: &FakeDriver{OpenErr: boom}, op: "open"},
		{name: "configure", driver: &FakeDriver{ConfigureErr: boom}, op: "configure"},
		{name: "encoder", driver: &FakeDriver{StartErr: boom}, op: "start encoder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, tt.driver)

			err := c.Start(context.Background())
			require.Error(t, err)

			var initErr *InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, tt.op, initErr.Op)
			assert.ErrorIs(t, err, boom)

			assert.False(t, c.IsRunning())
			assert.Equal(t, StateUnstarted, c.State())
			assert.Empty(t, tt.driver.Active(), "failed start must release the session")
		})
	}
}

func TestController_AutofocusFailureIsNotFatal(t *testing.T) {
	for _, afErr := range []error{ErrAutofocusUnsupported, errors.New("control rejected")} {
		driver := &FakeDriver{AutofocusErr: afErr}
		c := newTestController(t, driver)

		require.NoError(t, c.Start(context.Background()))
		assert.True(t, c.IsRunning())
	}
}

func TestController_UnknownAutofocusFallsBack(t *testing.T) {
	driver := &FakeDriver{}
	settings := testSettings()
	settings.Autofocus = "SharpAsATackMode"
	c := NewController(driver, settings, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Stop() })

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, AutofocusContinuous, driver.Encoding().Autofocus())
}

func TestController_RestartAfterStop(t *testing.T) {
	driver := &FakeDriver{}
	c := newTestController(t, driver)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, driver.Encoding().Emit(jpegOf("old")))
	require.NoError(t, c.Stop())
	require.NoError(t, c.Start(context.Background()))

	assert.True(t, c.IsRunning())
	assert.Len(t, driver.Active(), 1)

	// The frame from the previous run is gone.
	_, err := c.Frames().Subscribe().Read(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameTimeout)

	require.NoError(t, driver.Encoding().Emit(jpegOf("new")))
	frame, err := c.Frames().Subscribe().Read(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, jpegOf("new"), frame.Data)
}

func TestController_StopReleasesBlockedReaders(t *testing.T) {
	c := newTestController(t, &FakeDriver{})
	require.NoError(t, c.Start(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := c.Frames().Subscribe().Read(context.Background(), 0)
		errs <- err
	}()
	waitForWaiters()

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCameraStopped)
	case <-time.After(testTimeout):
		t.Fatal("pending read hung after Stop")
	}
}

func TestController_Snapshot(t *testing.T) {
	driver := &FakeDriver{}
	c := newTestController(t, driver)
	require.NoError(t, c.Start(context.Background()))

	jpeg, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, IsJPEG(jpeg))

	// Stream session untouched, snapshot session released.
	assert.Equal(t, 2, driver.Opened())
	require.Len(t, driver.Active(), 1)
	assert.Equal(t, testSettings().Stream, driver.Encoding().Mode())
}

func TestController_SnapshotDoesNotDisturbStream(t *testing.T) {
	driver := &FakeDriver{Interval: 10 * time.Millisecond, CaptureDelay: 200 * time.Millisecond}
	c := newTestController(t, driver)
	require.NoError(t, c.Start(context.Background()))
	stream := driver.Encoding()
	require.NotNil(t, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readErrs := make(chan error, 1)
	var frames int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sub := c.Frames().Subscribe()
		for {
			// The timeout is well under the snapshot duration, so a paused
			// stream would surface as ErrFrameTimeout.
			_, err := sub.Read(ctx, 100*time.Millisecond)
			if err != nil {
				readErrs <- err
				return
			}
			frames++
		}
	}()

	_, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, <-readErrs, context.Canceled)
	assert.Greater(t, frames, 5)
	assert.Equal(t, testSettings().Stream, stream.Mode())
	assert.True(t, stream.Encoding())
}

func TestController_SnapshotFailure(t *testing.T) {
	boom := errors.New("sensor busy")
	driver := &FakeDriver{}
	c := newTestController(t, driver)
	require.NoError(t, c.Start(context.Background()))

	driver.CaptureErr = boom
	_, err := c.Snapshot(context.Background())

	var snapErr *SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.ErrorIs(t, err, boom)

	assert.True(t, c.IsRunning(), "snapshot failure must not stop the stream")
	assert.Len(t, driver.Active(), 1)
	assert.True(t, driver.Encoding().Encoding())
}

func TestController_SnapshotsAreSerialized(t *testing.T) {
	driver := &FakeDriver{CaptureDelay: 100 * time.Millisecond}
	c := newTestController(t, driver)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	track := func(delta int) {
		mu.Lock()
		defer mu.Unlock()
		current += delta
		if current > peak {
			peak = current
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}

	// Sample the number of open still sessions while the snapshots run.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n := len(driver.Active())
		track(n - current)
		if driver.Opened() == 3 && n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Equal(t, 3, driver.Opened())
}

func TestController_SnapshotWaitHonoursContext(t *testing.T) {
	driver := &FakeDriver{CaptureDelay: 500 * time.Millisecond}
	c := newTestController(t, driver)

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = c.Snapshot(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Snapshot(ctx)
	<-first

	var snapErr *SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestController_ConcurrentIsRunningDuringLifecycle(t *testing.T) {
	c := newTestController(t, &FakeDriver{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = c.IsRunning()
					_ = c.State()
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop())
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, StateStopped, c.State())
}

func TestParseAutofocusMode(t *testing.T) {
	tests := []struct {
		in     string
		want   AutofocusMode
		wantOK bool
	}{
		{"continuous", AutofocusContinuous, true},
		{"ContinuousAfMode", AutofocusContinuous, true},
		{"ManualAfMode", AutofocusManual, true},
		{" auto ", AutofocusAuto, true},
		{"", AutofocusContinuous, false},
		{"bogus", AutofocusContinuous, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseAutofocusMode(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
