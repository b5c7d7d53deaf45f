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

package entities

import "encoding/json"

type ScanStatus string

const (
	StatusClean    ScanStatus = "CLEAN"
	StatusInfected ScanStatus = "INFECTED"
	StatusError    ScanStatus = "ERROR"
)

type ScanMetrics struct {
	ScanMS     int64 `json:"scan_ms"`
	TotalTATMS int64 `json:"total_tat_ms"`
}

// ScanResult is the verdict payload published at result:<task_id>.
type ScanResult struct {
	Status  ScanStatus  `json:"status"`
	Virus   *string     `json:"virus"`
	DataKey *string     `json:"data_key"`
	Message string      `json:"message,omitempty"`
	Metrics ScanMetrics `json:"metrics"`
}

func NewCleanResult(dataKey string, metrics ScanMetrics) ScanResult {
	result := ScanResult{Status: StatusClean, Metrics: metrics}
	if dataKey != "" {
		result.DataKey = &dataKey
	}

	return result
}

func NewInfectedResult(virus string, metrics ScanMetrics) ScanResult {
	return ScanResult{Status: StatusInfected, Virus: &virus, Metrics: metrics}
}

func NewErrorResult(message string) ScanResult {
	return ScanResult{Status: StatusError, Message: message}
}

func (r ScanResult) IsInfected() bool {
	return r.Status == StatusInfected
}

func (r ScanResult) IsClean() bool {
	return r.Status == StatusClean
}

func (r ScanResult) VirusName() string {
	if r.Virus == nil {
		return ""
	}

	return *r.Virus
}

func (r ScanResult) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func DecodeScanResult(data []byte) (ScanResult, error) {
	var result ScanResult
	err := json.Unmarshal(data, &result)

	return result, err
}
