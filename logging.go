/*
 *
 * Copyright 2025 gRPC authors.
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
 *
 */

package clusterrouter

import (
	"fmt"

	"google.golang.org/grpc/grpclog"
)

var logger = grpclog.Component("clusterrouter")

// prefixLogger stamps every log line of one balancer instance with a fixed
// prefix, so interleaved logs from multiple channels can be told apart.
type prefixLogger struct {
	logger grpclog.DepthLoggerV2
	prefix string
}

func newPrefixLogger(p any) *prefixLogger {
	return &prefixLogger{logger: logger, prefix: fmt.Sprintf("[cluster-router %p] ", p)}
}

// V reports whether verbosity level l is enabled.
func (pl *prefixLogger) V(l int) bool {
	return pl.logger.V(l)
}

func (pl *prefixLogger) Infof(format string, args ...any) {
	pl.logger.InfoDepth(1, fmt.Sprintf(pl.prefix+format, args...))
}

func (pl *prefixLogger) Warningf(format string, args ...any) {
	pl.logger.WarningDepth(1, fmt.Sprintf(pl.prefix+format, args...))
}

func (pl *prefixLogger) Errorf(format string, args ...any) {
	pl.logger.ErrorDepth(1, fmt.Sprintf(pl.prefix+format, args...))
}
