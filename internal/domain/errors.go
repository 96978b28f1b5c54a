package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrLinesRequired = errors.New("order must contain at least one line")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrLineQtyInvalid = errors.New("line qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrLinePriceInvalid = errors.New("line price must be non-negative")
	// Ошибка несоответствия итогов заказа и сумм позиций.
	ErrTotalsMismatch = errors.New("order totals do not match lines")
	// Ошибка неполного адреса доставки.
	ErrAddressRequired = errors.New("shipping address is incomplete")
	// Ошибка неизвестного канала оплаты.
	ErrPaymentChannelInvalid = errors.New("payment channel is not supported")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrTransitionInProgress — по заказу уже выполняется другой переход.
	ErrTransitionInProgress = errors.New("another transition is in progress")

	// ErrProductNotFound — товар отсутствует в каталоге или на складе.
	ErrProductNotFound = errors.New("product not found")
	// ErrVariantUnavailable — выбранный вариант товара не продаётся.
	ErrVariantUnavailable = errors.New("product variant unavailable")

	// ErrPointsAmountInvalid — количество баллов должно быть положительным.
	ErrPointsAmountInvalid = errors.New("points amount must be greater than zero")
	// ErrPointsAlreadyAwarded — начисление за заказ уже было.
	ErrPointsAlreadyAwarded = errors.New("points already awarded for order")

	ErrVoucherNotFound    = errors.New("voucher not found")
	ErrVoucherExpired     = errors.New("voucher is not active")
	ErrVoucherCapReached  = errors.New("voucher redemption cap reached")
	ErrVoucherAlreadyUsed = errors.New("voucher already used by customer")

	// ErrPaymentEventInvalid — платёжное событие не прошло валидацию.
	ErrPaymentEventInvalid = errors.New("payment event is invalid")
	// ErrGatewayUnavailable — временная ошибка платёжного шлюза, запрос можно повторить.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected — шлюз отклонил запрос (бизнес-ошибка).
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrPaymentNotRequired — заказ не требует онлайн-оплаты или уже оплачен.
	ErrPaymentNotRequired = errors.New("order does not require online payment")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageInvalid — событие без агрегата или типа.
	ErrOutboxMessageInvalid = errors.New("outbox message is invalid")

	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyScopeInvalid — ключ передан для неизвестной операции.
	ErrIdempotencyScopeInvalid = errors.New("idempotency scope is invalid")
	// ErrIdempotencyRequestHashRequired — не передан хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ идемпотентности уже занят.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyNotFound — ключ идемпотентности не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyHashMismatch — ключ повторно использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// ValidationError описывает некорректный ввод, отклонённый до любых побочных эффектов.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InsufficientStockError — на складе меньше единиц, чем запрошено.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("only %d units left of product %s (requested %d)", e.Available, e.ProductID, e.Requested)
}

// InsufficientBalanceError — у клиента недостаточно баллов.
type InsufficientBalanceError struct {
	Requested int64
	Balance   int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("only %d points available (requested %d)", e.Balance, e.Requested)
}

// BelowMinimumSpendError — сумма заказа ниже порога ваучера.
type BelowMinimumSpendError struct {
	Code          string
	MinimumMinor  int64
	SubtotalMinor int64
}

func (e *BelowMinimumSpendError) Error() string {
	return fmt.Sprintf("voucher %s requires a minimum spend of %d (subtotal %d)", e.Code, e.MinimumMinor, e.SubtotalMinor)
}

// IllegalTransitionError — переход отсутствует в таблице жизненного цикла.
type IllegalTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, занят ли ключ идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsIllegalTransition проверяет, что переход запрещён таблицей.
func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

// IsValidation проверяет, что ошибка вызвана некорректным вводом.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsBusinessRejection сообщает, что запрос отклонён бизнес-правилом
// (сток, баллы, ваучер) и клиент может поправить ввод и повторить.
func IsBusinessRejection(err error) bool {
	var (
		stock   *InsufficientStockError
		balance *InsufficientBalanceError
		minimum *BelowMinimumSpendError
	)
	switch {
	case errors.As(err, &stock), errors.As(err, &balance), errors.As(err, &minimum):
		return true
	case errors.Is(err, ErrVoucherCapReached), errors.Is(err, ErrVoucherAlreadyUsed),
		errors.Is(err, ErrVoucherExpired), errors.Is(err, ErrVoucherNotFound),
		errors.Is(err, ErrVariantUnavailable):
		return true
	default:
		return false
	}
}
