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

package spool

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/carverauto/relayd/pkg/models"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	encMode, err = opts.EncMode()
	if err != nil {
		panic("spool: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("spool: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e *models.SpoolEntry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEntry(b []byte) (*models.SpoolEntry, error) {
	var e models.SpoolEntry
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, err
	}

	return &e, nil
}
