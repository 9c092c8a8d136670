package marketplace

const (
	OperationRefresh            = "refresh"
	OperationRefreshEnrollments = "refresh_enrollments"
	OperationCreate             = "create"
	OperationUpdate             = "update"
	OperationDelete             = "delete"
	OperationEnroll             = "enroll"
	OperationConnect            = "connect"
	OperationPay                = "pay"
	OperationReconcile          = "reconcile"
	OperationEnrollmentAttempt  = "enrollment_attempt"
	OperationResumePending      = "resume_pending"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	snapshotKeyPrefix       = "snapshot"
	pendingPaymentKeyPrefix = "pending"
	cacheKeyDelimiter       = ":"
)
