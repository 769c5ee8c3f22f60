// Package app provides the composition layer for the volumetry agent.
//
// # Architecture Role
//
// The app package sits above the domain layers and composes them into a
// running application. It is NOT a business logic layer - analysis
// logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/
//	│   └── study/          # Study, analysis and metric models
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # AnalysisStore, StudyArchive
//	│   ├── archive/        # Filesystem study area
//	│   ├── memory/         # In-memory registry for testing
//	│   └── sqldb/          # SQL registry for production
//	├── services/
//	│   ├── volumetry/      # Analysis engine and background runner
//	│   ├── studies/        # Archive scanner and retention sweep
//	│   └── report/         # Narrative report generation
//	├── cache/              # Redis metrics cache
//	├── events/             # In-process event log
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services with their storage and cache dependencies
//   - Defining the storage interfaces services depend on
//   - Providing the domain models shared across services
//   - Exposing the HTTP API for external access
//
// # Example: Adding a New Capability
//
//  1. Create domain models in internal/app/domain/
//  2. Add a storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in archive/, memory/ or sqldb/
//  4. Create the service in internal/app/services/
//  5. Wire it in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/
package app
