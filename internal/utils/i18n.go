package utils

// Server-side messages for fixed keys. Form texts live with the clients.

var translations = map[string]map[string]string{
	"zh": {
		"health.ok":               "服务正常",
		"error.VALIDATION_ERROR":  "数据验证失败",
		"error.AUTH_REQUIRED":     "请先登录",
		"error.AUTH_ERROR":        "认证失败",
		"error.SESSION_EXPIRED":   "会话已过期，请重新登录",
		"error.PERMISSION_DENIED": "权限不足",
		"error.NOT_FOUND":         "资源不存在",
		"error.RESOURCE_EXISTS":   "资源已存在",
		"error.BUSINESS_ERROR":    "操作不符合业务规则",
		"error.OPERATION_FAILED":  "操作失败",
		"error.SERVER_ERROR":      "服务器内部错误",
		"error.DATABASE_ERROR":    "数据库操作失败，请稍后重试",
		"error.NETWORK_ERROR":     "网络错误",
		"msg.submitted":           "问卷提交成功",
		"msg.updated":             "问卷更新成功",
		"msg.deleted":             "问卷删除成功",
		"msg.batch_deleted":       "批量删除完成",
		"msg.logged_in":           "登录成功",
		"msg.logged_out":          "已退出登录",
		"msg.password_changed":    "密码修改成功",
		"msg.user_created":        "用户创建成功",
		"msg.session_extended":    "会话已延长",
	},
	"en": {
		"health.ok":               "ok",
		"error.VALIDATION_ERROR":  "Validation failed",
		"error.AUTH_REQUIRED":     "Login required",
		"error.AUTH_ERROR":        "Authentication failed",
		"error.SESSION_EXPIRED":   "Session expired, please log in again",
		"error.PERMISSION_DENIED": "Permission denied",
		"error.NOT_FOUND":         "Resource not found",
		"error.RESOURCE_EXISTS":   "Resource already exists",
		"error.BUSINESS_ERROR":    "Operation violates a business rule",
		"error.OPERATION_FAILED":  "Operation failed",
		"error.SERVER_ERROR":      "Internal server error",
		"error.DATABASE_ERROR":    "Database error, please retry later",
		"error.NETWORK_ERROR":     "Network error",
		"msg.submitted":           "Questionnaire submitted",
		"msg.updated":             "Questionnaire updated",
		"msg.deleted":             "Questionnaire deleted",
		"msg.batch_deleted":       "Batch delete finished",
		"msg.logged_in":           "Logged in",
		"msg.logged_out":          "Logged out",
		"msg.password_changed":    "Password changed",
		"msg.user_created":        "User created",
		"msg.session_extended":    "Session extended",
	},
}

// T returns the translated string for key in locale; falls back to Chinese,
// then to the key itself.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations["zh"][key]; ok {
		return v
	}
	return key
}
