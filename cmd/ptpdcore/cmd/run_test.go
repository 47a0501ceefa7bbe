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

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSocket struct{ sent [][]byte }

func (s *recordingSocket) Send(b []byte) error {
	s.sent = append(s.sent, b)
	return nil
}

func TestDualSenderRoutesEventMessagesToEventSocket(t *testing.T) {
	event := &recordingSocket{}
	general := &recordingSocket{}
	s := &dualSender{event: event, general: general}

	// low nibble 0x0 (Sync) is an event message, per IEEE 1588-2008 table 19.
	require.NoError(t, s.Send([]byte{0x10, 0xaa}))
	require.Len(t, event.sent, 1)
	require.Empty(t, general.sent)
}

func TestDualSenderRoutesGeneralMessagesToGeneralSocket(t *testing.T) {
	event := &recordingSocket{}
	general := &recordingSocket{}
	s := &dualSender{event: event, general: general}

	// low nibble 0xB (Announce) is a general message.
	require.NoError(t, s.Send([]byte{0x1B, 0xaa}))
	require.Empty(t, event.sent)
	require.Len(t, general.sent, 1)
}

func TestDualSenderRejectsEmptyDatagram(t *testing.T) {
	s := &dualSender{event: &recordingSocket{}, general: &recordingSocket{}}
	require.Error(t, s.Send(nil))
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpdcore.lock")

	first, err := acquireLock(path)
	require.NoError(t, err)
	defer first.release()

	_, err = acquireLock(path)
	require.Error(t, err, "a second instance must not be able to take the same lock")
}

func TestAcquireLockCanBeReacquiredAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpdcore.lock")

	first, err := acquireLock(path)
	require.NoError(t, err)
	first.release()

	second, err := acquireLock(path)
	require.NoError(t, err)
	second.release()
}
