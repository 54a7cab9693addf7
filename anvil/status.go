package main

import "net/http"

// OKStatusText is the body returned by the status handler when the
// service is up. Deployment health checks match on it verbatim.
const OKStatusText = "RUNNING"

// newStatusHandler reports process liveness. It deliberately checks
// nothing downstream; queue and cache health surface through metrics.
func newStatusHandler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(OKStatusText))
		if err != nil {
			panic(err)
		}
	})
}
