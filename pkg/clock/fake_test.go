/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	timer := c.Timer(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-timer.Chan():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-timer.Chan():
		assert.Equal(t, epoch.Add(5*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}

	assert.False(t, timer.Stop())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(epoch)
	timer := c.Timer(time.Second)

	require.True(t, timer.Stop())
	c.Advance(time.Minute)

	select {
	case <-timer.Chan():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeTimerNonPositive(t *testing.T) {
	c := NewFake(epoch)

	select {
	case <-c.Timer(0).Chan():
	default:
		t.Fatal("zero timer should fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(epoch)
	ticker := c.Ticker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(time.Second)
		assert.Equal(t, epoch.Add(time.Duration(i)*time.Second), <-ticker.Chan())
	}
}

func TestWaitForWaiters(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.Timer(time.Second).Chan()
		close(done)
	}()

	c.WaitForWaiters(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)

	timer := c.Timer(time.Millisecond)
	<-timer.Chan()

	ticker := c.Ticker(time.Millisecond)
	<-ticker.Chan()
	ticker.Stop()
}
