/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package pipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatescan/domain/entities"
	"gatescan/mocks"
)

func testLimits(shared bool) Limits {
	return Limits{
		InlineThresholdBytes: 64,
		FileThresholdBytes:   1024,
		MaxBodyBytes:         4096,
		ChunkSizeBytes:       32,
		SharedMount:          shared,
	}
}

func TestSmallBodyUsesInline(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	assert.NoError(t, session.Write(context.Background(), []byte("hello world")))

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModeInline, task.Mode)
	assert.Equal(t, "inline:t1", task.ContentRef)

	provider := factory.Created["t1"]
	assert.Equal(t, []byte("hello world"), provider.Data)
	assert.True(t, provider.PushedEOF)
}

func TestZeroLengthBodyIsValidInline(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModeInline, task.Mode)
	assert.Empty(t, factory.Created["t1"].Data)
	assert.True(t, factory.Created["t1"].PushedEOF)
}

func TestMediumBodyUsesStream(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	body := bytes.Repeat([]byte{0x61}, 65)
	assert.NoError(t, session.Write(context.Background(), body))

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModeStream, task.Mode)
	assert.Equal(t, body, factory.Created["t1"].Data)
}

func TestBodyAtSpillThresholdStaysBuffered(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(true), factory)

	assert.NoError(t, session.Write(context.Background(), bytes.Repeat([]byte{0x61}, 1024)))

	// No provider yet: still the BUFFERING state at exactly the threshold.
	assert.Empty(t, factory.Created)

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModeStream, task.Mode)
}

func TestBodyPastSpillThresholdSpillsToSharedDisk(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(true), factory)

	body := bytes.Repeat([]byte{0x61}, 1025)
	assert.NoError(t, session.Write(context.Background(), body))

	// One byte over the threshold spills immediately.
	provider := factory.Created["t1"]
	assert.NotNil(t, provider)
	assert.Equal(t, entities.ModePath, provider.ProviderMode)

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModePath, task.Mode)
	assert.Equal(t, body, provider.Data)
}

func TestSpillWithoutSharedMountFallsBackToStream(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	assert.NoError(t, session.Write(context.Background(), bytes.Repeat([]byte{0x61}, 2000)))

	task, err := session.Finish(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, entities.ModeStream, task.Mode)
}

func TestOversizeBodyIsRejected(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	assert.NoError(t, session.Write(context.Background(), bytes.Repeat([]byte{0x61}, 4096)))

	err := session.Write(context.Background(), []byte{0x61})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestPrefixExposesBufferedHead(t *testing.T) {
	factory := mocks.NewFakeProviderFactory()
	session := NewSession("t1", entities.PriorityNormal, entities.TaskMetadata{}, testLimits(false), factory)

	assert.NoError(t, session.Write(context.Background(), []byte("abcdef")))
	assert.Equal(t, []byte("abcd"), session.Prefix(4))
	assert.Equal(t, []byte("abcdef"), session.Prefix(100))
}
