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

package out

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatescan/common"
	"gatescan/mocks"
)

func TestClamdScannerURLParsing(t *testing.T) {
	scanner, err := NewClamdScanner("tcp://127.0.0.1:3310")
	assert.NoError(t, err)
	assert.Equal(t, "tcp", scanner.network)
	assert.Equal(t, "127.0.0.1:3310", scanner.address)

	scanner, err = NewClamdScanner("unix:///var/run/clamav/clamd.sock")
	assert.NoError(t, err)
	assert.Equal(t, "unix", scanner.network)
	assert.Equal(t, "/var/run/clamav/clamd.sock", scanner.address)

	_, err = NewClamdScanner("http://127.0.0.1")
	assert.Error(t, err)
}

func TestPingAndVersion(t *testing.T) {
	fake := common.StartFakeClamd(t)

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)

	assert.NoError(t, scanner.Ping(context.Background()))

	version, err := scanner.Version(context.Background())
	assert.NoError(t, err)
	assert.Contains(t, version, "ClamAV")
}

func TestReload(t *testing.T) {
	fake := common.StartFakeClamd(t)

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)
	assert.NoError(t, scanner.Reload(context.Background()))
}

func TestReloadFailureSurfaces(t *testing.T) {
	fake := common.StartFakeClamd(t)
	fake.FailReload = true

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)
	assert.Error(t, scanner.Reload(context.Background()))
}

func TestScanCleanBody(t *testing.T) {
	fake := common.StartFakeClamd(t)

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)

	provider := mocks.NewMemoryProvider("STREAM", "chunks:t1")
	provider.Data = []byte("hello world")

	outcome, err := scanner.Scan(context.Background(), provider.Chunks(context.Background()))
	assert.NoError(t, err)
	assert.False(t, outcome.Infected)
}

func TestScanDetectsEicar(t *testing.T) {
	fake := common.StartFakeClamd(t)

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)

	provider := mocks.NewMemoryProvider("STREAM", "chunks:t1")
	provider.Data = []byte(common.EICARSignature)

	outcome, err := scanner.Scan(context.Background(), provider.Chunks(context.Background()))
	assert.NoError(t, err)
	assert.True(t, outcome.Infected)
	assert.Equal(t, "Eicar-Signature", outcome.Virus)
}

func TestScanZeroLengthBodyIsClean(t *testing.T) {
	fake := common.StartFakeClamd(t)

	scanner, err := NewClamdScanner(fake.URL())
	assert.NoError(t, err)

	provider := mocks.NewMemoryProvider("STREAM", "chunks:t1")

	outcome, err := scanner.Scan(context.Background(), provider.Chunks(context.Background()))
	assert.NoError(t, err)
	assert.False(t, outcome.Infected)
}

func TestVerdictInterpretation(t *testing.T) {
	type test struct {
		reply    string
		infected bool
		hasErr   bool
		virus    string
	}

	tests := []test{
		{reply: "stream: OK", infected: false},
		{reply: "stream: Eicar-Signature FOUND", infected: true, virus: "Eicar-Signature"},
		{reply: "stream: Win.Test.EICAR_HDB-1 FOUND", infected: true, virus: "Win.Test.EICAR_HDB-1"},
		{reply: "INSTREAM size limit exceeded. ERROR", hasErr: true},
		{reply: "", hasErr: true},
	}

	for _, tc := range tests {
		outcome, err := interpretVerdict(tc.reply)
		if tc.hasErr {
			assert.Error(t, err, tc.reply)
			continue
		}

		assert.NoError(t, err, tc.reply)
		assert.Equal(t, tc.infected, outcome.Infected, tc.reply)
		assert.Equal(t, tc.virus, outcome.Virus, tc.reply)
	}
}
