/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// signalFlags captures signals into atomic flags, never acting on them from
// the handler goroutine itself — only Engine.Run's loop drains them, per
// spec.md §5 ("they are never serviced from signal handlers") and
// original_source/trunk/src/dep/startup.c's catch_signals, which does
// nothing but set a volatile sig_atomic_t.
type signalFlags struct {
	ch chan os.Signal

	shutdown       int32
	reopenLogs     int32
	forceStep      int32
	cycleVerbosity int32
}

func (s *signalFlags) install() {
	s.ch = make(chan os.Signal, 8)
	signal.Notify(s.ch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go s.pump()
}

func (s *signalFlags) stop() {
	signal.Stop(s.ch)
	close(s.ch)
}

func (s *signalFlags) pump() {
	for sig := range s.ch {
		switch sig {
		case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
			atomic.StoreInt32(&s.shutdown, 1)
		case syscall.SIGHUP:
			atomic.StoreInt32(&s.reopenLogs, 1)
		case syscall.SIGUSR1:
			atomic.StoreInt32(&s.forceStep, 1)
		case syscall.SIGUSR2:
			atomic.StoreInt32(&s.cycleVerbosity, 1)
		}
	}
}

func (s *signalFlags) shutdownRequested() bool {
	return atomic.LoadInt32(&s.shutdown) == 1
}

func (s *signalFlags) takeReopenLogs() bool {
	return atomic.CompareAndSwapInt32(&s.reopenLogs, 1, 0)
}

func (s *signalFlags) takeForceStep() bool {
	return atomic.CompareAndSwapInt32(&s.forceStep, 1, 0)
}

func (s *signalFlags) takeCycleVerbosity() bool {
	return atomic.CompareAndSwapInt32(&s.cycleVerbosity, 1, 0)
}
