package gitlab

import "testing"

func TestParseJobURL(t *testing.T) {
	cases := []struct {
		name           string
		url            string
		wantPipeline   int64
		wantJob        int64
		wantOK         bool
	}{
		{
			name:         "pipeline and job",
			url:          "https://gitlab.parity.io/parity/polkadot/-/pipelines/98765/jobs/456",
			wantPipeline: 98765,
			wantJob:      456,
			wantOK:       true,
		},
		{
			name:    "job only",
			url:     "https://gitlab.parity.io/parity/polkadot/-/jobs/456",
			wantJob: 456,
			wantOK:  true,
		},
		{
			name:   "unrelated url",
			url:    "https://github.com/paritytech/polkadot/runs/456",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipelineID, jobID, ok := parseJobURL(tc.url)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if pipelineID != tc.wantPipeline {
				t.Errorf("pipelineID = %d, want %d", pipelineID, tc.wantPipeline)
			}
			if jobID != tc.wantJob {
				t.Errorf("jobID = %d, want %d", jobID, tc.wantJob)
			}
		})
	}
}

func TestIsRetrying_UnparsableURL(t *testing.T) {
	c := &Client{projectID: "parity/polkadot"}
	if c.IsRetrying(nil, "not-a-url") { //nolint:staticcheck // nil context ok: unparsable URL returns before any use
		t.Fatal("expected false for an unparsable URL")
	}
}
