// Package mocks provides gomock implementations of the ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/project-theia/theia-api/internal/core JobRepository

// ListOrphanCandidates, FailOrphaned
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/project-theia/theia-api/internal/core ReaperRepository

// PurgeTerminal
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=purge_repository_mock.go github.com/project-theia/theia-api/internal/core PurgeRepository

// Claim, Refresh, Release, Active
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=assignment_registry_mock.go github.com/project-theia/theia-api/internal/core AssignmentRegistry

// Fetch, Resolve
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=image_fetcher_mock.go github.com/project-theia/theia-api/internal/core ImageFetcher
