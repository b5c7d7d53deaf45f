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
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
)

const testWebhook = "https://hooks.slack.com/services/T000/B000/XXXX"

func TestSlackViewerPostsToWebhook(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testWebhook, httpmock.NewStringResponder(200, "ok"))

	viewer := NewSlackViewer(testWebhook, "#virus-alerts")
	assert.NoError(t, viewer.Notify("Virus detected: Eicar-Signature (task t1, mode STREAM)"))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSlackViewerSurfacesWebhookFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testWebhook, httpmock.NewStringResponder(500, "server error"))

	viewer := NewSlackViewer(testWebhook, "#virus-alerts")
	assert.Error(t, viewer.Notify("Virus detected"))
}

func TestSlackViewerWithoutWebhookIsNoop(t *testing.T) {
	viewer := NewSlackViewer("", "")
	assert.NoError(t, viewer.Notify("nothing configured"))
}
